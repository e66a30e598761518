// Package ipc exports the daemon's control interface on the bus: the
// read-only status query and the administrative bonus grant. Authorization
// is the caller's problem (bus policy); the service only validates input.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/SoarinFerret/ChannelWarden/internal/engine"
)

// QuotaService is the object exported at ObjectPath.
type QuotaService struct {
	Engine *engine.Engine
}

// Ping confirms the daemon is alive.
func (s *QuotaService) Ping() (string, *dbus.Error) {
	return "ChannelWarden is running", nil
}

// GetStatus returns a user's live quota position as JSON.
func (s *QuotaService) GetStatus(scope, user string) (string, *dbus.Error) {
	st, err := s.Engine.GetStatus(scope, user)
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return string(data), nil
}

// GrantBonus adds bonus minutes to a user's active cycle and reports the
// resulting status as JSON. Non-positive minutes are rejected.
func (s *QuotaService) GrantBonus(scope, user string, minutes int32) (string, *dbus.Error) {
	st, unlocked, err := s.Engine.GrantBonus(context.Background(), scope, user, int(minutes))
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	data, err := json.Marshal(struct {
		*engine.Status
		Unlocked bool `json:"unlocked"`
	}{st, unlocked})
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return string(data), nil
}

// Serve requests the well-known name and exports the service, then blocks
// until ctx is done.
func Serve(ctx context.Context, conn *dbus.Conn, svc *QuotaService) error {
	reply, err := conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", ServiceName)
	}
	if err := conn.Export(svc, dbus.ObjectPath(ObjectPath), InterfaceName); err != nil {
		return fmt.Errorf("failed to export interface: %w", err)
	}

	<-ctx.Done()
	return nil
}
