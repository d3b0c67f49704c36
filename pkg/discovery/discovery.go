// Package discovery locates speakers on the local subnet. A probe is
// broadcast on the discovery port and replies are collected for a
// bounded window. Stateless across calls, no device means an empty
// result, not an error.
package discovery

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/zoundctl/zoundctl/pkg/transport"
)

// DefaultPort is the discovery port the firmware listens on. Looks
// like SSDP but is not the standard 1900.
const DefaultPort = 1800

const probe = "M-SEARCH * HTTP/1.1"

const probeInterval = 100 * time.Millisecond

type Options struct {
	Port   int           // device discovery port, DefaultPort if zero
	Window time.Duration // collection window, 3s if zero
	Target net.IP        // probe destination, limited broadcast if nil
}

// Discover broadcasts a probe and returns every distinct device that
// replied within the window, deduplicated by device id. Cancelling ctx
// ends the window early and returns what was collected so far.
func Discover(ctx context.Context, opts Options) ([]*Identity, error) {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Window == 0 {
		opts.Window = 3 * time.Second
	}

	conn, err := transport.Listen()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(opts.Window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	defer close(stop)

	send := func() error {
		if opts.Target != nil {
			return conn.WriteTo([]byte(probe), &net.UDPAddr{IP: opts.Target, Port: opts.Port})
		}
		return conn.Broadcast([]byte(probe), opts.Port)
	}

	go func() {
		// devices sometimes miss a single probe
		for i := 0; i < 3; i++ {
			if err := send(); err != nil {
				return
			}
			select {
			case <-time.After(probeInterval):
			case <-stop:
				return
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
		select {
		case <-stop:
		case <-ctx.Done():
			conn.Close()
		}
	}()

	var found []*Identity
	seen := map[string]bool{}

	err = conn.Serve(func(addr *net.UDPAddr, b []byte) {
		id, err := ParseReply(b)
		if err != nil {
			return // not a device reply, drop
		}
		// a device may answer more than once or from several interfaces
		if seen[id.ID] {
			return
		}
		seen[id.ID] = true
		found = append(found, id)
	})

	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		return found, err
	}

	return found, nil
}
