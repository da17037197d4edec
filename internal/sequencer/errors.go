package sequencer

import (
	"errors"
	"strconv"
)

var (
	// ErrNotAuthorized is returned when the envelope's Policy Engine
	// signature is missing or does not verify.
	ErrNotAuthorized = errors.New("envelope carries no valid policy engine signature")

	// ErrStaleExpectedPrev is returned when another submitter committed
	// first; the caller must re-evaluate policy against the new tip and
	// resubmit.
	ErrStaleExpectedPrev = errors.New("expected previous sequence is stale: another entry committed first")

	// ErrOverloaded is returned when the mailbox is full; it must never be
	// conflated with silent dropping.
	ErrOverloaded = errors.New("sequencer mailbox is full")

	// ErrClosed is returned by Submit after Close has been called.
	ErrClosed = errors.New("sequencer is closed")
)

// IntegrityError reports a hash-chain break or malformed entry discovered
// during verify_range or recovery.
type IntegrityError struct {
	Seq uint64
	Err error
}

func (e *IntegrityError) Error() string {
	return "log integrity error at seq " + strconv.FormatUint(e.Seq, 10) + ": " + e.Err.Error()
}

func (e *IntegrityError) Unwrap() error { return e.Err }
