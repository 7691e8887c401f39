package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flvision/dataset"
	"flvision/network"
	"flvision/params"
	"flvision/protocol"
)

// Link is the client's side of an aggregator connection: requests in,
// enveloped hello and responses out.
type Link = network.Link[protocol.Request, protocol.ClientMessage]

// Serve announces the client's schema and then answers round requests
// until the link dies, the context is canceled, or a fatal round error
// forces a disconnect. A shape mismatch or a malformed local partition
// is fatal: the error response is still sent, then the link is closed,
// because every later round would fail the same way.
func (c *Client) Serve(ctx context.Context, link *Link) error {
	schema := c.net.Schema()
	hello := protocol.Hello{
		ClientID:      c.id,
		SchemaVersion: schema.Version,
		SchemaDigest:  schema.Digest(),
		TensorCount:   len(schema.Entries),
	}
	if err := link.Send(protocol.ClientMessage{Hello: &hello}); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	c.log.Info("session open", "schema", schema.Version, "digest", hello.SchemaDigest)

	// Receive blocks on the socket, so a watcher turns context
	// cancellation into a link close.
	watch := make(chan struct{})
	defer close(watch)
	go func() {
		select {
		case <-ctx.Done():
			link.Close()
		case <-watch:
		}
	}()

	for {
		req, err := link.Receive()
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("session closed", "reason", "shutdown")
				return ctx.Err()
			}
			if errors.Is(err, network.ErrLinkClosed) {
				c.log.Info("session closed", "reason", "link closed")
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		resp, fatal := c.dispatch(&req)
		if err := link.Send(protocol.ClientMessage{Response: resp}); err != nil {
			return fmt.Errorf("respond: %w", err)
		}
		if fatal != nil {
			link.Close()
			return fatal
		}
	}
}

// dispatch runs one round and shapes the response. The second return is
// non-nil only for errors that must end the session.
func (c *Client) dispatch(req *protocol.Request) (*protocol.Response, error) {
	start := time.Now()
	resp := &protocol.Response{
		Seq:      req.Seq,
		Kind:     req.Kind,
		Status:   protocol.StatusOK,
		ClientID: c.id,
	}

	var err error
	switch req.Kind {
	case protocol.KindGetParameters:
		resp.Parameters, err = c.GetParameters()

	case protocol.KindFit:
		epochs := c.epochs
		if n, ok := req.Epochs(); ok {
			epochs = n
		}
		var res *FitResult
		if res, err = c.Fit(req.Parameters, epochs); err == nil {
			resp.Parameters = res.Parameters
			resp.SampleCount = res.SampleCount
			resp.Metrics = res.Metrics
			resp.Loss = res.Metrics["train_loss"]
		}

	case protocol.KindEvaluate:
		var res *EvalResult
		if res, err = c.Evaluate(req.Parameters); err == nil {
			resp.Loss = res.Loss
			resp.SampleCount = res.SampleCount
			resp.Metrics = res.Metrics
		}

	default:
		err = fmt.Errorf("%w: %q", ErrUnknownRequest, req.Kind)
	}

	if err != nil {
		resp.Status = protocol.StatusError
		resp.Error = err.Error()
		resp.Parameters = nil
		resp.Metrics = nil
	}
	c.met.RecordRound(req.Kind, resp.Status, time.Since(start))

	if isFatal(err) {
		c.log.Error("fatal round failure, disconnecting", "kind", req.Kind, "seq", req.Seq, "error", err)
		return resp, err
	}
	if err != nil {
		c.log.Error("round failed", "kind", req.Kind, "seq", req.Seq, "error", err)
	} else {
		c.log.Info("round complete", "kind", req.Kind, "seq", req.Seq, "samples", resp.SampleCount)
	}
	return resp, nil
}

// isFatal reports errors no later round can recover from. Memory
// pressure is not here: the loaders already reclaim and retry, and the
// aggregator may reschedule a failed round on a quieter moment.
func isFatal(err error) bool {
	return errors.Is(err, params.ErrShapeMismatch) || errors.Is(err, dataset.ErrMalformedBatch)
}
