// Package saga builds dependency graphs of saga steps and executes them
// with level-by-level parallelism, per-step retries and LIFO compensation.
//
// BuildGraph validates a step set and assigns every step an execution
// level. An Orchestrator runs the levels in order; the steps of a level
// run concurrently. When a step fails for good, every step that succeeded
// is compensated, most recently completed first. Steps that fire triggers
// on an engine are built with TriggerStep.
package saga
