package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage is returned for a buffer whose length or layout does
	// not match its declared message type
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnknownMessageType is returned for an undeclared message type id
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrAgentIDTooLong is returned when an agent id does not fit its fixed segment
	ErrAgentIDTooLong = errors.New("agent id too long")
	// ErrPeerTimeout is returned when a peer connection stalls past its read timeout
	ErrPeerTimeout = errors.New("peer timeout")
	// ErrPeerDisconnected is returned when a peer closes its connection
	ErrPeerDisconnected = errors.New("peer disconnected")
	// ErrUnknownPeer is returned when sending to an agent with no live connection
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrInvalidCandidate is returned when a candidate cannot be aggregated
	ErrInvalidCandidate = errors.New("invalid candidate")
	// ErrSessionClosed is returned by a closed collaborative context
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidConfig is returned for configuration that cannot start a session
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrMissingPoseFile is returned when a required pose file does not exist
	ErrMissingPoseFile = errors.New("missing pose file")
	// ErrMalformedPoseFile is returned when a pose file cannot be parsed
	ErrMalformedPoseFile = errors.New("malformed pose file")
	// ErrLengthMismatch is returned when paired pose sequences differ in length
	ErrLengthMismatch = errors.New("sequence length mismatch")
)

// MessageError describes a decode failure. It matches ErrMalformedMessage or
// ErrUnknownMessageType through errors.Is.
type MessageError struct {
	Kind error
	Type MessageType
	Msg  string
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("%v: %s (type %d)", e.Kind, e.Msg, e.Type)
}

func (e *MessageError) Unwrap() error {
	return e.Kind
}

func malformed(t MessageType, format string, args ...any) error {
	return &MessageError{Kind: ErrMalformedMessage, Type: t, Msg: fmt.Sprintf(format, args...)}
}

// PoseFileError wraps a pose file failure with the offending path
type PoseFileError struct {
	Path string
	Err  error
}

func (e *PoseFileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *PoseFileError) Unwrap() error {
	return e.Err
}

// IsPeerFailure reports whether err ended a peer connection
func IsPeerFailure(err error) bool {
	return errors.Is(err, ErrPeerTimeout) || errors.Is(err, ErrPeerDisconnected)
}
