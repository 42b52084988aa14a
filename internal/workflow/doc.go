// Package workflow executes an ordered list of guarded steps over an
// append-only result map.
//
// A Workflow is assembled with a Builder and frozen by Commit. Run walks the
// steps strictly in registration order. For each step it evaluates the When
// predicate against the results so far, resolves the step's Bindings into an
// Input, and invokes Run. Skipped steps leave no entry in the Results; a
// failing step is recorded as a StepError and the walk continues, unless the
// step is marked Fatal. After the last step the Finally function receives the
// accumulated Results and its output is the return value of Run.
//
// Cancellation is cooperative: the context is checked before each step and
// again when a step returns, and a result that arrives after cancellation is
// discarded.
package workflow
