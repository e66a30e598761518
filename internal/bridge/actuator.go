package bridge

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Actuator forwards enforcement actions to the platform bridge over the
// bus. The bridge owns the fallback strategies (disconnect, move to a
// holding channel, role mutation) and reports only success or failure;
// every method here is a single best-effort call with the caller's
// context as its timeout.
type Actuator struct {
	conn *dbus.Conn
}

// NewActuator connects to the system bus.
func NewActuator() (*Actuator, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &Actuator{conn: conn}, nil
}

// Close releases the bus connection.
func (a *Actuator) Close() error { return a.conn.Close() }

func (a *Actuator) object() dbus.BusObject {
	return a.conn.Object(BridgeService, dbus.ObjectPath(BridgeObject))
}

// ForceRemove ends the user's presence in the tracked channel. The bridge
// returns success if the user is already absent.
func (a *Actuator) ForceRemove(ctx context.Context, scope, user string) error {
	call := a.object().CallWithContext(ctx, BridgeInterface+".ForceRemove", 0, scope, user)
	if call.Err != nil {
		return fmt.Errorf("force remove %s/%s: %w", scope, user, call.Err)
	}
	return nil
}

// Penalize applies the persistent restriction role. Idempotent on the
// bridge side.
func (a *Actuator) Penalize(ctx context.Context, scope, user, reason string) error {
	call := a.object().CallWithContext(ctx, BridgeInterface+".Penalize", 0, scope, user, reason)
	if call.Err != nil {
		return fmt.Errorf("penalize %s/%s: %w", scope, user, call.Err)
	}
	return nil
}

// Notify sends a direct message to the user.
func (a *Actuator) Notify(ctx context.Context, user, message string) error {
	call := a.object().CallWithContext(ctx, BridgeInterface+".Notify", 0, user, message)
	if call.Err != nil {
		return fmt.Errorf("notify %s: %w", user, call.Err)
	}
	return nil
}
