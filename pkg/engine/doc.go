// Package engine plans and executes rollouts across a fleet of cells.
//
// # Overview
//
// A rollout is a Plan: a set of PlanUnits, each performing one operation
// (create, deploy, canary, delete, noop) against one cell. Units declare
// dependencies on other units and the DAGBuilder orders them into levels with
// Kahn's algorithm, rejecting cycles and dangling references.
//
// The RolloutPlanner builds the canonical pipeline shape:
//
//	deploy:sandbox -> canary:sandbox -> deploy:<cell> (one per remaining cell)
//
// so no production cell is touched before the sandbox cell has been deployed
// and its canary has passed.
//
// # Execution
//
// ParallelScheduler executes one level at a time. Units inside a level run on
// a bounded worker pool. Dependencies are checked before a unit starts:
//
//   - require: the target must have succeeded, otherwise the unit is skipped
//   - order: the target must be terminal
//   - notify: never blocks
//
// Retryable errors (transient, throttled, conflict) are retried with
// exponential backoff and jitter. Every state change is persisted through a
// StateManager and announced through an EventPublisher.
//
// # Errors
//
// EngineError carries a class used for retry decisions and a code used by
// callers (HTTP handlers, the CLI) to decide how to report the failure.
package engine
