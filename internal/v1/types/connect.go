package types

// ConnectKind distinguishes the transport a viewer is currently reachable on.
type ConnectKind uint8

const (
	// ConnectNone means the peer has no live connection (initial state, or offline).
	ConnectNone ConnectKind = iota
	// ConnectP2P means the peer is reachable over the P2P overlay.
	ConnectP2P
	// ConnectRPC means the peer is reachable over a specific RPC websocket channel.
	ConnectRPC
)

// ConnectType is how a room's viewer is currently reachable: absent, over the
// P2P overlay, or over a specific RPC channel (identified by ChannelID).
type ConnectType struct {
	Kind      ConnectKind
	ChannelID uint64 // meaningful only when Kind == ConnectRPC
}

// None is the zero ConnectType: no live connection.
var None = ConnectType{Kind: ConnectNone}

// P2P builds a ConnectType reachable over the P2P overlay.
func P2P() ConnectType { return ConnectType{Kind: ConnectP2P} }

// RPC builds a ConnectType reachable over RPC channel id.
func RPC(channelID uint64) ConnectType {
	return ConnectType{Kind: ConnectRPC, ChannelID: channelID}
}

func (c ConnectType) IsNone() bool { return c.Kind == ConnectNone }
