package protocol

import "errors"

var (
	// ErrTimedOut is returned by Request when no response arrives within the
	// per-request deadline. The pending entry is removed before returning.
	ErrTimedOut = errors.New("request timed out")

	// ErrBrokenPipe is returned when the response dispatcher has terminated:
	// the wire is gone and no response can ever arrive.
	ErrBrokenPipe = errors.New("response channel closed")

	// ErrFrameTooLarge is returned by the codec when a frame declares a
	// length above MaxFrameBytes.
	ErrFrameTooLarge = errors.New("frame too large")
)
