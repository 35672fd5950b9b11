// Package telescope simulates an equatorial mount built on two movement
// axes: RA in hours [0, 24) and Dec in degrees [-90, 90].
//
//	IDLE ──goto(ra, dec)──▶ SLEWING ──both axes arrive──▶ IDLE
//	  │                        └──abort──▶ IDLE
//	  └──park──▶ PARKING ──arrive──▶ PARKED ──unpark──▶ SLEWING (restore)
//
// A goto while SLEWING follows the configured policy. REDIRECT (the
// default) aims both axes at the new coordinates; REJECT fails the request
// with SLEW_REJECTED and leaves the running slew alone. RA slews travel the
// direct path and never cross 0h.
//
// While PARKED every goto and sync is refused with TELESCOPE_PARKED and
// tracking cannot be enabled. Parking turns tracking off and remembers the
// position it left, which unpark slews back to.
//
// Tracking advances RA by tracking_rate hours per time unit while IDLE,
// wrapping at 24h. Altitude and azimuth are derived each tick from the
// local sidereal time of the configured site.
package telescope
