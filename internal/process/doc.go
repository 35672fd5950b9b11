// Package process runs the background simulation loops of a device.
//
// A Runner owns a set of named periodic tasks. Each task calls its step
// function once per tick and observes cancellation at every tick boundary,
// so an in-flight step always completes before the task exits.
//
// Features:
//   - Named periodic tasks with per-task tick interval
//   - Cooperative cancellation through a shared context
//   - Bounded join on Stop; stragglers are reported as *StopTimeoutError
//   - Step errors and panics are recovered and reported through OnFault,
//     and the loop keeps running
//   - Idempotent Stop
//
// Example usage:
//
//	runner := process.NewRunner(process.DefaultConfig("cam-1"))
//	if err := runner.Start(ctx); err != nil {
//	    return err
//	}
//	runner.Spawn(process.Task{
//	    Name:     "cooling",
//	    Interval: time.Second,
//	    Step:     cooler.step,
//	})
//	defer runner.Stop()
package process
