// Package process supervises the gateway as a child process.
//
// The gateway exits with code 75 once its broker reconnect budget is
// exhausted. In -supervise mode the same binary runs itself as a child under
// a Manager, which restarts it on any non-zero exit.
//
// Features:
//   - Restart on non-zero exit with capped exponential backoff
//   - Backoff and attempt count reset after a stable run
//   - Optional watchdog health check that kills a hung child
//   - Graceful stop: SIGTERM to the process group, SIGKILL after a timeout
//
// Example usage:
//
//	mgr := process.NewManager(process.DefaultConfig("espnowgw", exe, args))
//	if err := mgr.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package process
