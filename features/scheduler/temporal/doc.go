// Package temporal runs tool calls as Temporal workflows. The Executor
// implements scheduler.Executor by starting one workflow per call, keyed by
// the canonical call id, so a call that is dispatched again after a process
// restart attaches to the execution already recorded by Temporal instead of
// running the tool twice. A Worker hosts the workflow and the activity that
// invokes the local tool implementations.
package temporal
