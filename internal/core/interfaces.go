package core

// Frame is a raw binary payload (e.g., one JSON message).
type Frame []byte

// ClientID identifies one browser across its HTTP and WebSocket requests.
type ClientID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
