// Package engine provides the asynchronous task executor that runs
// post-commit refresh work off the requesting goroutine. Submitted tasks run
// on their own goroutine with a fresh context and report through a Future.
package engine
