// Package chain implements the step-orchestration engine for the three-stage
// prompt-chaining workflow (analyze -> process -> synthesize).
//
// The orchestrator owns per-request state, sequences the stages, runs
// validation gates between them, enforces per-stage timeouts, and emits an
// event stream that the response adapter converts into caller-facing output
// chunks. Resilience (retry + circuit breaker) is provided by the llm
// package; this package consumes an already-wrapped llm.Provider.
package chain
