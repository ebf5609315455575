package btshower

import "context"

// Adapter denotes the process-wide wireless adapter. Implementations are
// initialized lazily on the first call to Enable() and never released
type Adapter interface {

	// Enable initializes the adapter (if required) and returns an error wrapping
	// ErrAdapterUnavailable if it is powered off
	Enable(ctx context.Context) error

	// StartScan starts continuous discovery, calling handler for every advertisement
	StartScan(handler func(Sighting)) error

	// StopScan halts discovery
	StopScan() error

	// Connect establishes a link to a previously sighted peripheral
	Connect(ctx context.Context, id string) (Link, error)
}

// DiscoveredChannel denotes a channel exposed by a connected peripheral
type DiscoveredChannel struct {
	ID     ChannelID
	Notify bool
	Write  bool
}

// Link denotes an established connection to a single peripheral
type Link interface {

	// Discover performs service and characteristic discovery
	Discover(ctx context.Context) ([]DiscoveredChannel, error)

	// Write writes data to a channel (with response)
	Write(ctx context.Context, id ChannelID, data []byte) error

	// Subscribe enables notifications on a channel, calling fn for every buffer
	Subscribe(id ChannelID, fn func(data []byte)) error

	// Lost returns a channel that is closed once the link is gone
	Lost() <-chan struct{}

	// Close cancels all subscriptions and the connection
	Close() error
}
