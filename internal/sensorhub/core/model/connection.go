package model

// ConnectionState is the state of one channel's link to a device.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "DISCONNECTED"
	ConnectionConnecting   ConnectionState = "CONNECTING"
	ConnectionConnected    ConnectionState = "CONNECTED"
	ConnectionLost         ConnectionState = "CONNECTION_LOST"
	ConnectionReconnecting ConnectionState = "RECONNECTING"
)

// rank orders states from least to most connected.
func (s ConnectionState) rank() int {
	switch s {
	case ConnectionConnected:
		return 4
	case ConnectionConnecting:
		return 3
	case ConnectionReconnecting:
		return 2
	case ConnectionLost:
		return 1
	default:
		return 0
	}
}

// MoreConnected reports whether s ranks above other in the order
// CONNECTED > CONNECTING > RECONNECTING > CONNECTION_LOST > DISCONNECTED.
func (s ConnectionState) MoreConnected(other ConnectionState) bool {
	return s.rank() > other.rank()
}
