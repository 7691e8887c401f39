package client

import (
	"errors"
	"fmt"
)

// ErrClientBusy reports a round request that arrived while another round
// was in progress. Matched with errors.Is.
var ErrClientBusy = errors.New("client busy")

// ErrUnknownRequest reports a request kind this client does not serve.
// The session survives it; the aggregator gets an error response.
var ErrUnknownRequest = errors.New("unknown request kind")

// BusyError names the round that held the client.
type BusyError struct {
	State State
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("client busy: %s in progress", e.State)
}

func (e *BusyError) Is(target error) bool { return target == ErrClientBusy }
