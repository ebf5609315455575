package btshower

import (
	"errors"
	"fmt"
)

var (

	// ErrAdapterUnavailable denotes that the wireless adapter is powered off (or missing)
	ErrAdapterUnavailable = errors.New("bluetooth adapter unavailable")

	// ErrMalformedPayload denotes a notification buffer that is too short for its decoder
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrLink matches any *LinkError via errors.Is()
	ErrLink = errors.New("link error")

	// ErrBusy is returned if a connect is attempted while another session is in flight
	ErrBusy = errors.New("another session is connecting or connected")

	// ErrNotConnected is returned for operations that require an established session
	ErrNotConnected = errors.New("not connected")

	// ErrUnknownPeripheral is returned if a peripheral has never been sighted
	ErrUnknownPeripheral = errors.New("unknown peripheral")

	// ErrLinkLost denotes an unsolicited disconnect reported by the adapter
	ErrLinkLost = errors.New("link lost")

	// ErrClosed is returned for session operations after Close()
	ErrClosed = errors.New("session closed")
)

// Link operations, used as LinkError.Op
const (
	OpConnect    = "connect"
	OpDiscover   = "discover"
	OpSync       = "sync"
	OpSubscribe  = "subscribe"
	OpWrite      = "write"
	OpDisconnect = "disconnect"
)

// LinkError denotes a failure of a device operation on the link
type LinkError struct {
	Op           string
	PeripheralID string
	Err          error
}

// Error implements the error interface
func (e *LinkError) Error() string {
	if e.PeripheralID == "" {
		return fmt.Sprintf("%s failed: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s `%s` failed: %s", e.Op, e.PeripheralID, e.Err)
}

// Unwrap returns the underlying error
func (e *LinkError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(err, ErrLink) to match any LinkError
func (e *LinkError) Is(target error) bool {
	return target == ErrLink
}

func newLinkError(op, id string, err error) *LinkError {
	return &LinkError{Op: op, PeripheralID: id, Err: err}
}

// PayloadError denotes a buffer that is shorter than required by its decoder
type PayloadError struct {
	Channel ChannelID
	Want    int
	Have    int
}

// Error implements the error interface
func (e *PayloadError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("%s: invalid length of data (want %d, have %d)", ErrMalformedPayload, e.Want, e.Have)
	}
	return fmt.Sprintf("%s on channel %s: invalid length of data (want %d, have %d)", ErrMalformedPayload, e.Channel, e.Want, e.Have)
}

// Is allows errors.Is(err, ErrMalformedPayload)
func (e *PayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}
