// Package agent runs per-principal strategy loops. Each cycle observes
// the principal's ledger balance, asks a pluggable Strategy whether to
// act, and routes any resulting proposal through the review pipeline.
// Agents hold no signing authority; an agent that is compromised can at
// worst submit proposals that the authorization layer will judge.
package agent
