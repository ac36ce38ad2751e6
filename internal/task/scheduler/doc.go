// Package scheduler turns recurring job definitions into engine task
// submissions.
//
// The scheduler only triggers. Execution, ordering and pacing belong to the
// engine; the scheduler waits for each outcome to log it and to skip a
// trigger while the previous run is still unresolved.
package scheduler
