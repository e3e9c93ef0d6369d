package link

import "errors"

var (
	// ErrLinkTimeout means the device did not answer within the read timeout.
	ErrLinkTimeout = errors.New("link timeout")
	// ErrLinkIO wraps a transport read or write failure.
	ErrLinkIO = errors.New("link I/O error")
	// ErrProtocolMismatch means the device answered, but not with what the
	// command requires.
	ErrProtocolMismatch = errors.New("protocol mismatch")
	// ErrNotConnected is returned when no device session could be
	// established for a command.
	ErrNotConnected = errors.New("link not connected")
	// ErrHandshakeFailed means the device never echoed the reset handshake.
	ErrHandshakeFailed = errors.New("reset handshake failed")
	// ErrInvalidValve rejects toggle requests outside 1..9.
	ErrInvalidValve = errors.New("invalid valve number")
)
