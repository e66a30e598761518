package engine

import "context"

// Actuator performs the side effects the engine decides on: ending a
// user's presence in the tracked channel, applying the persistent
// restriction, and delivering notifications. Implementations must be
// idempotent — removing an absent user or re-penalizing a restricted one
// succeeds without effect. The engine treats every call as best-effort:
// failures are logged and the enforcement state is recorded regardless, so
// a doomed action is attempted once per transition rather than every tick.
type Actuator interface {
	ForceRemove(ctx context.Context, scope, user string) error
	Penalize(ctx context.Context, scope, user, reason string) error
	Notify(ctx context.Context, user, message string) error
}
