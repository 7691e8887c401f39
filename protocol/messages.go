// Package protocol defines the wire contract between a client and its
// aggregator: a hello frame announcing the client's parameter schema,
// then a request/response exchange per round. Frames travel as gob.
package protocol

import (
	"strconv"

	"flvision/params"
)

// Request kinds, one per round operation.
const (
	KindGetParameters = "get_parameters"
	KindFit           = "fit"
	KindEvaluate      = "evaluate"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Hello is the first frame a client sends after connecting. The digest
// lets the aggregator refuse a client whose parameter layout disagrees
// with the global model before any round is scheduled.
type Hello struct {
	ClientID      string
	SchemaVersion string
	SchemaDigest  string
	TensorCount   int
}

// Request is one aggregator instruction. Parameters carry the global
// model for fit and evaluate; Config is an optional per-round knob bag
// whose keys the client recognizes by name and otherwise ignores.
type Request struct {
	Seq        uint64
	Kind       string
	Parameters []params.Tensor
	Config     map[string]string
}

// Epochs reports the per-round epoch override, if the request carries a
// parseable one.
func (r *Request) Epochs() (int, bool) {
	raw, ok := r.Config["epochs"]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// ClientMessage is the envelope for every client-to-aggregator frame:
// exactly one field is set. The hello goes out once per connection,
// responses once per round.
type ClientMessage struct {
	Hello    *Hello
	Response *Response
}

// Response carries a round's outcome back to the aggregator. Status is
// StatusOK or StatusError; on error only Seq, Kind, ClientID and Error
// are meaningful.
type Response struct {
	Seq         uint64
	Kind        string
	Status      string
	Error       string
	ClientID    string
	Parameters  []params.Tensor
	Loss        float64
	SampleCount int
	Metrics     map[string]float64
}
