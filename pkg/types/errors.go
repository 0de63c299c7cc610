package types

import (
	"errors"
	"fmt"
)

// DecodeError marks a log that could not be decoded into a BridgeEvent.
// Decode failures are treated as permanent for the containing range: the
// contract ABI and the on-chain data disagree, which is an operator problem,
// not a transient condition.
type DecodeError struct {
	TxHash   string
	LogIndex uint
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode log %s:%d: %v", e.TxHash, e.LogIndex, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err wraps a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// RelayRejectedError marks a delivery the destination explicitly refused
// (HTTP 4xx). Retrying the same payload cannot succeed.
type RelayRejectedError struct {
	StatusCode int
	Body       string
}

func (e *RelayRejectedError) Error() string {
	return fmt.Sprintf("destination rejected relay with status %d: %s", e.StatusCode, e.Body)
}

// IsRelayRejected reports whether err wraps a RelayRejectedError.
func IsRelayRejected(err error) bool {
	var re *RelayRejectedError
	return errors.As(err, &re)
}
