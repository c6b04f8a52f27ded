package media

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrInvalidPacket indicates a datagram too short to hold an RTP header.
	ErrInvalidPacket = errors.New("invalid RTP packet")

	// ErrInvalidFormat indicates WAV format parameters that cannot describe PCM audio.
	ErrInvalidFormat = errors.New("invalid WAV format")

	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("capture server closed")

	// ErrAlreadyServing indicates Serve was called twice on the same server.
	ErrAlreadyServing = errors.New("capture server already serving")

	// ErrPlaybackStopped is returned by PlayFile when Stop or the context ends playback.
	ErrPlaybackStopped = errors.New("playback stopped")
)

// BindError reports a UDP socket bind failure. Fatal to session start.
type BindError struct {
	Addr  string
	Cause error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Cause)
}

func (e *BindError) Unwrap() error {
	return e.Cause
}

// SendError reports a UDP send failure during playback.
type SendError struct {
	Addr     string
	Sequence uint16
	Cause    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send seq %d to %s: %v", e.Sequence, e.Addr, e.Cause)
}

func (e *SendError) Unwrap() error {
	return e.Cause
}

// FileIOError reports a WAV write or finalize failure.
type FileIOError struct {
	Path  string
	Op    string // "create", "write", "finalize", "read", "close"
	Cause error
}

func (e *FileIOError) Error() string {
	return fmt.Sprintf("wav %s %s: %v", e.Op, e.Path, e.Cause)
}

func (e *FileIOError) Unwrap() error {
	return e.Cause
}
