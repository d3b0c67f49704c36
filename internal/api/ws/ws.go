package ws

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/zoundctl/zoundctl/internal/api"
	"github.com/zoundctl/zoundctl/internal/app"
)

func Init() {
	var cfg struct {
		Mod struct {
			Origin string `yaml:"origin"`
		} `yaml:"api"`
	}

	app.LoadConfig(&cfg)

	log = app.GetLogger("api")

	initWS(cfg.Mod.Origin)

	api.HandleFunc("api/ws", apiWS)
}

var log zerolog.Logger

// Message - struct for data exchange in Web API
type Message struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

var wsUp *websocket.Upgrader

func initWS(origin string) {
	wsUp = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}

	switch origin {
	case "":
		// same origin + ignore port
		wsUp.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header["Origin"]
			if len(origin) == 0 {
				return true
			}
			o, err := url.Parse(origin[0])
			if err != nil {
				return false
			}
			if o.Host == r.Host {
				return true
			}
			if i := strings.IndexByte(o.Host, ':'); i > 0 {
				return o.Host[:i] == r.Host
			}
			return false
		}
	case "*":
		// any origin
		wsUp.CheckOrigin = func(r *http.Request) bool {
			return true
		}
	}
}

type client struct {
	conn *websocket.Conn
	send chan *Message
}

var clientsMu sync.Mutex
var clients = map[*client]struct{}{}

// Broadcast pushes msg to every connected UI client. Slow clients are
// dropped instead of blocking the engine.
func Broadcast(msg *Message) {
	clientsMu.Lock()
	for c := range clients {
		select {
		case c.send <- msg:
		default:
			delete(clients, c)
			close(c.send)
		}
	}
	clientsMu.Unlock()
}

func apiWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUp.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("[ws] upgrade")
		return
	}

	c := &client{conn: conn, send: make(chan *Message, 64)}

	clientsMu.Lock()
	clients[c] = struct{}{}
	clientsMu.Unlock()

	go c.writer()
	c.reader()
}

func (c *client) writer() {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteJSON(msg); err != nil {
			break
		}
	}
	_ = c.conn.Close()
}

// reader only drains control frames, the UI issues commands over the
// HTTP endpoints
func (c *client) reader() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}

	clientsMu.Lock()
	if _, ok := clients[c]; ok {
		delete(clients, c)
		close(c.send)
	}
	clientsMu.Unlock()
}
