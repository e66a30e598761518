package bridge

import (
	"context"
	"fmt"
	"log"

	"github.com/godbus/dbus/v5"

	"github.com/SoarinFerret/ChannelWarden/internal/engine"
)

// Watch subscribes to the bridge's presence signals and feeds them into
// the engine. Before entering the signal loop it re-announces everyone the
// bridge currently sees, satisfying the restart contract: every present
// user gets re-evaluated (fresh interval, hard-lock guard) ahead of the
// first sweep.
func Watch(ctx context.Context, eng *engine.Engine) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}
	defer conn.Close()

	for _, member := range []string{"MemberEntered", "MemberLeft"} {
		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath(BridgeObject),
			dbus.WithMatchInterface(BridgeInterface),
			dbus.WithMatchMember(member),
		); err != nil {
			return fmt.Errorf("add match failed: %w", err)
		}
	}

	announcePresent(ctx, conn, eng)

	c := make(chan *dbus.Signal, 10)
	conn.Signal(c)

	for {
		select {
		case sig := <-c:
			scope, user, ok := presenceArgs(sig)
			if !ok {
				log.Println("bridge: malformed presence signal:", sig.Name)
				continue
			}
			switch sig.Name {
			case signalEntered:
				admitted, err := eng.OnEnter(ctx, scope, user)
				if err != nil {
					log.Printf("bridge: enter handling failed: scope=%s user=%s err=%v", scope, user, err)
				} else if !admitted {
					log.Printf("bridge: entry denied: scope=%s user=%s", scope, user)
				}
			case signalLeft:
				if err := eng.OnExit(ctx, scope, user); err != nil {
					log.Printf("bridge: exit handling failed: scope=%s user=%s err=%v", scope, user, err)
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// presenceArgs extracts (scope, user) from a bridge presence signal.
func presenceArgs(sig *dbus.Signal) (string, string, bool) {
	if len(sig.Body) < 2 {
		return "", "", false
	}
	scope, ok := sig.Body[0].(string)
	if !ok {
		return "", "", false
	}
	user, ok := sig.Body[1].(string)
	if !ok {
		return "", "", false
	}
	return scope, user, true
}

// announcePresent asks the bridge who is in a tracked channel right now
// and replays them as enter events. Best-effort: if the bridge is not up
// yet, presence converges through its signals instead.
func announcePresent(ctx context.Context, conn *dbus.Conn, eng *engine.Engine) {
	obj := conn.Object(BridgeService, dbus.ObjectPath(BridgeObject))
	var present [][]string
	if err := obj.CallWithContext(ctx, BridgeInterface+".ListPresent", 0).Store(&present); err != nil {
		log.Println("bridge: ListPresent unavailable, relying on signals:", err)
		return
	}
	for _, p := range present {
		if len(p) != 2 {
			continue
		}
		if _, err := eng.OnEnter(ctx, p[0], p[1]); err != nil {
			log.Printf("bridge: re-announce failed: scope=%s user=%s err=%v", p[0], p[1], err)
		}
	}
}
