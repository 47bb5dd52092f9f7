package layer

import (
	"errors"
	"fmt"
)

// Public, stable error kinds. Backends return these (possibly wrapped) so callers can
// match with errors.Is regardless of which backend is configured.
var (
	ErrInvalidName     = errors.New("invalid name")
	ErrConfiguration   = errors.New("invalid configuration")
	ErrChannelFull     = errors.New("channel full")
	ErrMessageTooLarge = errors.New("message too large")
	ErrNotImplemented  = errors.New("not implemented")
)

// Existing callers match on these texts; they must stay verbatim.
const (
	channelNameMessage = "Channel name must be a valid unicode string containing only alphanumerics, hyphens, or periods."
	groupNameMessage   = "Group name must be a valid unicode string containing only alphanumerics, hyphens, or periods."
)

// NameKind tells which grammar an InvalidNameError was checked against.
type NameKind uint8

const (
	ChannelName NameKind = iota + 1
	GroupName
)

func (k NameKind) String() string {
	switch k {
	case ChannelName:
		return "channel"
	case GroupName:
		return "group"
	default:
		return "unknown"
	}
}

// InvalidNameError reports a channel or group name that is not text, is too long,
// or does not match the grammar.
type InvalidNameError struct {
	Kind  NameKind
	Value any
}

func (e *InvalidNameError) Error() string {
	if e.Kind == GroupName {
		return groupNameMessage
	}
	return channelNameMessage
}

func (e *InvalidNameError) Unwrap() error { return ErrInvalidName }

// ConfigurationError reports a capacity pattern or option that cannot be used.
// It fails layer construction; it never happens on the hot path.
type ConfigurationError struct {
	Pattern string
	Msg     string
	Err     error
}

func (e *ConfigurationError) Error() string {
	s := "layer: " + ErrConfiguration.Error()
	if e.Pattern != "" {
		s += fmt.Sprintf(": pattern %q", e.Pattern)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ConfigurationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfiguration}
	}
	return []error{ErrConfiguration, e.Err}
}

// OpError is a typed operation error with a stable Op + Kind contract.
//   - Kind is one of the sentinel kinds above when applicable.
//   - Msg carries context such as the channel name.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// IsInvalidName reports whether err represents ErrInvalidName.
func IsInvalidName(err error) bool { return errors.Is(err, ErrInvalidName) }

// IsChannelFull reports whether err represents ErrChannelFull.
func IsChannelFull(err error) bool { return errors.Is(err, ErrChannelFull) }

// IsMessageTooLarge reports whether err represents ErrMessageTooLarge.
func IsMessageTooLarge(err error) bool { return errors.Is(err, ErrMessageTooLarge) }

// IsNotImplemented reports whether err represents ErrNotImplemented.
func IsNotImplemented(err error) bool { return errors.Is(err, ErrNotImplemented) }
