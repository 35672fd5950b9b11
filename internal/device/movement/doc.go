// Package movement implements the positioning state machine shared by
// focusers, filter wheels and rotators.
//
//	IDLE ──move(target)──▶ MOVING ──arrive──▶ IDLE (COMPLETE)
//	                         │
//	                         └──abort──▶ IDLE (ABORTED)
//
// A Mover advances position toward its target by speed × tick every tick and
// never overshoots. Abort freezes the position where it is.
//
// A move request while MOVING is handled by the mover's Policy:
//
//	focuser      REDIRECT  the newest target wins
//	rotator      REDIRECT  the newest target wins
//	filter wheel REJECT    the request fails with MOVE_REJECTED
package movement
