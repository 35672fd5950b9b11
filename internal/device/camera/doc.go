// Package camera simulates an imaging camera: an exposure state machine and
// an independent sensor cooling loop.
//
// Exposure:
//
//	IDLE ──start_exposure──▶ EXPOSING ──timer──▶ READING_OUT ──▶ COMPLETE
//	  ▲                        │   │                  │
//	  └──────abort_exposure────┘   └──failure──▶ ERROR ◀┘
//
// start_exposure is accepted from IDLE, COMPLETE and ERROR and always begins a
// fresh job. The exposure loop ticks every progress interval and advances the
// active job; the frame is synthesized outside the camera lock and committed
// only if the job is still current.
//
// Cooling runs on its own loop for as long as the device is started.
//
// State properties are written under the camera lock so they never disagree
// with each other. Events are emitted after the lock is released.
package camera
