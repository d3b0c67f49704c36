package session

import (
	"context"
	"time"

	"github.com/zoundctl/zoundctl/pkg/wire"
)

// Call is an in-flight request awaiting its response. Resolved exactly
// once: by a matching response, by the retry sweep giving up, or by
// session teardown.
type Call struct {
	ID   uint16
	Name string

	raw        []byte // encoded request, retransmitted as-is
	retries    int
	maxRetries int
	timeout    time.Duration
	deadline   time.Time
	keepalive  bool

	done   chan struct{}
	fields wire.Fields
	err    error
}

// Done closes when the call resolves.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result is valid after Done closes.
func (c *Call) Result() (wire.Fields, error) {
	return c.fields, c.err
}

// Wait blocks until the call resolves or ctx ends. The call itself is
// always bounded by timeout x retries, an abandoned wait leaks nothing.
func (c *Call) Wait(ctx context.Context) (wire.Fields, error) {
	select {
	case <-c.done:
		return c.fields, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
