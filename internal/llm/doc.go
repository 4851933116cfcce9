// Package llm defines the provider-neutral function-calling contract used by
// the dialogue orchestrator. Provider adapters live in subpackages.
package llm
