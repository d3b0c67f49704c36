package speaker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/zoundctl/zoundctl/internal/api"
	"github.com/zoundctl/zoundctl/pkg/session"
)

type apiSpeaker struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Addr       string         `json:"addr"`
	Firmware   string         `json:"firmware,omitempty"`
	Connection string         `json:"connection"`
	Version    uint64         `json:"state_version,omitempty"`
	State      map[string]any `json:"state,omitempty"`
}

func apiSpeakers(w http.ResponseWriter, r *http.Request) {
	mu.RLock()
	items := make([]*apiSpeaker, 0, len(known))
	for _, dev := range known {
		item := &apiSpeaker{
			ID:         dev.ID,
			Name:       dev.Name,
			Addr:       dev.Addr().String(),
			Firmware:   dev.Firmware,
			Connection: "disconnected",
		}
		if s := sessions[dev.ID]; s != nil {
			item.Connection = s.State().String()
			item.Version = s.Sync().Version()
			item.State = s.Sync().Snapshot()
		}
		items = append(items, item)
	}
	mu.RUnlock()

	api.ResponseJSON(w, items)
}

func apiDiscover(w http.ResponseWriter, r *http.Request) {
	found, err := discover(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	api.ResponseJSON(w, found)
}

func apiConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	id := r.URL.Query().Get("id")

	mu.RLock()
	dev := known[id]
	mu.RUnlock()

	if dev == nil {
		http.Error(w, "unknown device id", http.StatusNotFound)
		return
	}

	if _, err := connect(dev); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// apiCommand body is a JSON array of field values, empty or absent
// body means a fetch.
func apiCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	id := query.Get("id")
	name := query.Get("name")

	mu.RLock()
	s := sessions[id]
	mu.RUnlock()

	if s == nil {
		http.Error(w, "not connected", http.StatusNotFound)
		return
	}

	var args []any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&args)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	fields, err := s.Call(ctx, name, args...)
	switch {
	case err == nil:
		api.ResponseJSON(w, fields)
	case errors.Is(err, session.ErrCommandTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, session.ErrSessionClosed):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}
