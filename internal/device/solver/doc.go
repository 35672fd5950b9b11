// Package solver simulates a plate solver.
//
//	IDLE/SUCCESS/FAILED ──solve(image)──▶ SOLVING ──▶ SUCCESS | FAILED
//	                                        └──abort_solve──▶ IDLE
//
// A solve request while SOLVING is refused with "already solving" and the
// running job is left untouched. When an image store is configured the
// first tick loads the image by key and a missing image fails the job.
package solver
