// Package action holds the registry of automatable actions. Each action is
// registered with an autonomy level, risk tier and reversibility flag; the
// orchestrator consults the registry on every request and never mutates it.
package action
