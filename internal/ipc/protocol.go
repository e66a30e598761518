package ipc

const (
	ObjectPath    = "/io/github/soarinferret/channelwarden"
	InterfaceName = "io.github.soarinferret.channelwarden.Manager"
	ServiceName   = "io.github.soarinferret.channelwarden"
)
