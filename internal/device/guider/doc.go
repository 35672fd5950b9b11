// Package guider simulates an autoguider: calibration, closed-loop guiding
// and dithering.
//
//	IDLE ──start_calibration──▶ CALIBRATING ──▶ IDLE (calibrated) ──start_guiding──▶ GUIDING ⇄ PAUSED
//	                                │                 └──auto_guide──────────────────────▲
//	                                └──────▶ FAILED
//
// Calibration walks NORTH, SOUTH, EAST and WEST for a fixed number of frames
// each. Whether it succeeds is drawn from the injected random source against
// calibration_success_rate, so a seed reproduces the outcome.
//
// A dither applies the next offset of the dither sequence, advancing its
// cursor circularly. The offset perturbs the guiding error once and the loop
// corrects it away; DITHER_SETTLED fires once the error has stayed below the
// settle threshold for settle_frames consecutive frames.
package guider
