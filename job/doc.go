// Package job implements the GOAT job execution and lifecycle engine:
// persistence of job records, per-step execution with wall-clock deadlines,
// cooperative kill detection at step boundaries, and compensating cleanup
// that undoes the partial side effects of a failed, timed-out, or killed job.
//
// ARCHITECTURE: Explicit composition, no reflection
//   - Store persists job records in SQLite; it is the single coordination
//     point between a running worker and external kill requests.
//   - StepExecutor wraps one named phase of a tool: transaction per step,
//     deadline enforcement, kill pre/post checks, compensation dispatch.
//   - Runner wraps a tool's entrypoint and owns the overall terminal state.
//   - CompensationRegistry resolves undo handlers by name, with a generic
//     three-phase cleanup as fallback.
//   - ModeSelector decides synchronous versus background execution;
//     BackgroundScheduler is the out-of-band executor.
package job
