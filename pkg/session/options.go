package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/zoundctl/zoundctl/pkg/wire"
)

type Options struct {
	Table *wire.Table

	// pending call retry policy
	BaseTimeout   time.Duration // first retransmit after this
	MaxBackoff    time.Duration // backoff doubles each retry, capped here
	MaxRetries    int           // retransmissions after the first send, negative means none
	SweepInterval time.Duration // deadline check period

	// liveness
	KeepaliveInterval time.Duration
	KeepaliveMisses   int           // consecutive misses before Degraded
	HandshakeAttempts int           // hello sends before giving up
	DegradedDeadline  time.Duration // absolute unreachable limit before Closed

	// where the device pushes notifications and where we ack them
	NotifyAckPort int

	// controller endpoint advertised in the hello payload
	AdvertiseIP   string
	AdvertisePort int

	// controller instance token, generated when empty
	Token string
}

func (o *Options) setDefaults() {
	if o.Table == nil {
		o.Table = wire.DefaultTable()
	}
	if o.BaseTimeout == 0 {
		o.BaseTimeout = 500 * time.Millisecond
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 4 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = 50 * time.Millisecond
	}
	if o.KeepaliveInterval == 0 {
		o.KeepaliveInterval = 5 * time.Second
	}
	if o.KeepaliveMisses == 0 {
		o.KeepaliveMisses = 3
	}
	if o.HandshakeAttempts == 0 {
		o.HandshakeAttempts = 3
	}
	if o.DegradedDeadline == 0 {
		o.DegradedDeadline = 30 * time.Second
	}
	if o.NotifyAckPort == 0 {
		o.NotifyAckPort = 3334
	}
	if o.Token == "" {
		o.Token = uuid.NewString()
	}
}
