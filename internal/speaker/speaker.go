package speaker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoundctl/zoundctl/internal/api"
	"github.com/zoundctl/zoundctl/internal/api/ws"
	"github.com/zoundctl/zoundctl/internal/app"
	"github.com/zoundctl/zoundctl/pkg/discovery"
	"github.com/zoundctl/zoundctl/pkg/session"
	"github.com/zoundctl/zoundctl/pkg/state"
	"github.com/zoundctl/zoundctl/pkg/transport"
	"github.com/zoundctl/zoundctl/pkg/wire"
)

func Init() {
	var cfg struct {
		Mod struct {
			DiscoveryPort     int    `yaml:"discovery_port"`
			DiscoveryWindow   string `yaml:"discovery_window"`
			DiscoveryRefresh  string `yaml:"discovery_refresh"`
			Autodiscover      bool   `yaml:"autodiscover"`
			BaseTimeout       string `yaml:"base_timeout"`
			MaxRetries        int    `yaml:"max_retries"`
			KeepaliveInterval string `yaml:"keepalive_interval"`
			KeepaliveMisses   int    `yaml:"keepalive_misses"`
			HandshakeAttempts int    `yaml:"handshake_attempts"`
			DegradedDeadline  string `yaml:"degraded_deadline"`
			NotifyAckPort     int    `yaml:"notify_ack_port"`
		} `yaml:"speaker"`
	}

	cfg.Mod.Autodiscover = true

	app.LoadConfig(&cfg)

	log = app.GetLogger("speaker")

	discoveryPort = cfg.Mod.DiscoveryPort
	discoveryWindow = parseDur(cfg.Mod.DiscoveryWindow, 3*time.Second)

	sessOpts = session.Options{
		BaseTimeout:       parseDur(cfg.Mod.BaseTimeout, 0),
		MaxRetries:        cfg.Mod.MaxRetries,
		KeepaliveInterval: parseDur(cfg.Mod.KeepaliveInterval, 0),
		KeepaliveMisses:   cfg.Mod.KeepaliveMisses,
		HandshakeAttempts: cfg.Mod.HandshakeAttempts,
		DegradedDeadline:  parseDur(cfg.Mod.DegradedDeadline, 0),
		NotifyAckPort:     cfg.Mod.NotifyAckPort,
	}

	var err error
	if conn, err = transport.Listen(); err != nil {
		// local socket failure is fatal, the engine cannot run
		log.Fatal().Err(err).Msg("[speaker] listen")
	}

	log.Debug().Int("port", conn.Port()).Msg("[speaker] listen")

	go func() {
		if err := conn.Serve(dispatch); err != nil {
			log.Fatal().Err(err).Msg("[speaker] serve")
		}
	}()

	if cfg.Mod.Autodiscover {
		refresh := parseDur(cfg.Mod.DiscoveryRefresh, time.Minute)
		if refresh > 0 {
			go discoverLoop(refresh)
		}
	}

	api.HandleFunc("api/speakers", apiSpeakers)
	api.HandleFunc("api/speakers/discover", apiDiscover)
	api.HandleFunc("api/speakers/connect", apiConnect)
	api.HandleFunc("api/speakers/cmd", apiCommand)
}

var log zerolog.Logger

var conn *transport.Conn
var sessOpts session.Options
var discoveryPort int
var discoveryWindow time.Duration

var mu sync.RWMutex
var known = map[string]*discovery.Identity{}
var sessions = map[string]*session.Session{}

// dispatch drains the shared socket: decode failures drop the
// datagram, everything else routes to the owning session by source IP.
func dispatch(addr *net.UDPAddr, b []byte) {
	f, err := wire.Unmarshal(b)
	if err != nil {
		log.Debug().Err(err).Stringer("addr", addr).Msg("[speaker] drop datagram")
		return
	}

	sess := findSession(addr.IP)
	if sess == nil {
		log.Trace().Stringer("addr", addr).Msg("[speaker] no session for datagram")
		return
	}

	sess.Handle(addr, f)
}

func findSession(ip net.IP) *session.Session {
	mu.RLock()
	defer mu.RUnlock()

	for _, s := range sessions {
		if s.Identity().IP.Equal(ip) {
			return s
		}
	}
	return nil
}

func discover(ctx context.Context) ([]*discovery.Identity, error) {
	found, err := discovery.Discover(ctx, discovery.Options{
		Port:   discoveryPort,
		Window: discoveryWindow,
	})
	if err != nil {
		return nil, err
	}

	mu.Lock()
	for _, id := range found {
		if _, ok := known[id.ID]; !ok {
			log.Info().Stringer("device", id).Msg("[speaker] discovered")
		}
		known[id.ID] = id
	}
	mu.Unlock()

	return found, nil
}

func discoverLoop(refresh time.Duration) {
	for {
		if _, err := discover(context.Background()); err != nil {
			log.Warn().Err(err).Msg("[speaker] discovery")
		}
		time.Sleep(refresh)
	}
}

func connect(dev *discovery.Identity) (*session.Session, error) {
	ip, err := transport.OutboundIP(dev.IP)
	if err != nil {
		return nil, err
	}

	opts := sessOpts
	opts.AdvertiseIP = ip.String()
	opts.AdvertisePort = conn.Port()

	s := session.Connect(conn, dev, opts)

	s.Listen(func(msg any) {
		st, ok := msg.(session.State)
		if !ok {
			return
		}
		log.Info().Str("device", dev.ID).Stringer("state", st).Msg("[speaker] connectivity")
		ws.Broadcast(&ws.Message{Type: "connectivity", Value: map[string]any{
			"id": dev.ID, "state": st.String(),
		}})
		if st == session.Closed {
			mu.Lock()
			if sessions[dev.ID] == s {
				delete(sessions, dev.ID)
			}
			mu.Unlock()
		}
	})

	s.Sync().Listen(func(msg any) {
		ch, ok := msg.(state.Change)
		if !ok {
			return
		}
		ws.Broadcast(&ws.Message{Type: "state", Value: map[string]any{
			"id": dev.ID, "key": ch.Key, "old": ch.Old, "new": ch.New,
		}})
	})

	mu.Lock()
	if old := sessions[dev.ID]; old != nil {
		go old.Close()
	}
	sessions[dev.ID] = s
	mu.Unlock()

	return s, nil
}

func parseDur(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Warn().Str("value", s).Msg("[speaker] bad duration in config")
		return def
	}
	return d
}
