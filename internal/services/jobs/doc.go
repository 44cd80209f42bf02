// Package jobs is the job supervisor: it owns the authoritative registry of
// workflow instances and the ticker loop that fires due jobs.
//
// Scheduling decisions happen on one serialized loop; the execution of each
// due job runs concurrently on the executor pool and reports back through a
// completions channel the loop drains, so instance state has a single
// writer. External readers only ever get clones.
package jobs
