// Package llm defines the model-call collaborator surface consumed by the
// chain orchestrator, plus the resilience wrapper (retry + circuit breaker)
// every stage call goes through.
package llm
