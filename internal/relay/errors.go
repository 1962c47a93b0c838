package relay

import "errors"

var (
	// ErrUnregisteredSender is returned for offer/answer/ice from a
	// connection that has not registered a role yet.
	ErrUnregisteredSender = errors.New("sender has not registered a role")
	// ErrNoPeer is returned when the destination slot is empty. Under the
	// buffer policy an offer/answer is still retained for the late joiner.
	ErrNoPeer             = errors.New("destination slot is empty")
	ErrUnknownMessageKind = errors.New("unknown or malformed message")
	ErrInvalidDestination = errors.New("invalid destination")
	// ErrTransportWrite means the destination could not take the message;
	// the destination has been closed and its slot cleared.
	ErrTransportWrite     = errors.New("transport write failed")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrRelayClosed        = errors.New("relay is not serving")
	ErrUnknownRole        = errors.New("unknown role")
)
