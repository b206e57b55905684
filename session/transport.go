package session

import "context"

// Advertisement is one advertising report seen while scanning.
type Advertisement struct {
	PeerID string
	Name   string
}

// Transport is the radio-level capability the Manager drives. Implementations are
// process-wide resources; only one scan may be active at a time.
type Transport interface {
	// StartScan begins scanning for peers advertising serviceID and returns once the
	// scan is running. found may be called from any goroutine until StopScan returns.
	StartScan(serviceID string, found func(Advertisement)) error
	// StopScan ends the active scan.
	StopScan() error
	// Connect opens a link to a peer reported by a previous scan.
	Connect(ctx context.Context, peerID string) (Conn, error)
}

// Conn is an open link to one peer.
type Conn interface {
	// DiscoverCharacteristic resolves the write target on the peer.
	DiscoverCharacteristic(ctx context.Context, serviceID, characteristicID string) (Characteristic, error)
	Disconnect() error
}

// Characteristic is a resolved write target.
type Characteristic interface {
	// Write performs one acknowledged write. Implementations that cannot abort an
	// in-flight write may return after ctx is done; the Manager tolerates that.
	Write(ctx context.Context, payload []byte) error
}
