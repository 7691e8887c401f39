package network

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

// leapClock jumps far ahead on every reading, standing in for a long
// aggregator outage without real waiting.
type leapClock struct{ now time.Time }

func (c *leapClock) Now() time.Time {
	c.now = c.now.Add(10 * time.Minute)
	return c.now
}

func TestDialBackOffNeverExpires(t *testing.T) {
	b := newDialBackOff()
	b.Clock = &leapClock{now: time.Unix(0, 0)}
	b.Reset()

	// Hours of simulated downtime: the policy must keep yielding retry
	// intervals rather than giving up, leaving shutdown to the context.
	for i := 0; i < 20; i++ {
		assert.NotEqual(t, backoff.Stop, b.NextBackOff(), "attempt %d", i)
	}
}
