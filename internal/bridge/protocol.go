// Package bridge is the D-Bus boundary to the platform bridge service —
// the external process that owns the actual chat-platform connection. The
// bridge emits presence signals the watcher translates into engine events,
// and exposes the removal/penalty/notify methods the Actuator forwards to.
package bridge

const (
	BridgeService   = "io.github.soarinferret.channelwarden.Bridge"
	BridgeObject    = "/io/github/soarinferret/channelwarden/Bridge"
	BridgeInterface = "io.github.soarinferret.channelwarden.Bridge"

	signalEntered = BridgeInterface + ".MemberEntered"
	signalLeft    = BridgeInterface + ".MemberLeft"
)
