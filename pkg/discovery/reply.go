package discovery

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
)

// Identity is a device found on the local subnet. Immutable once
// captured, a stale address means a fresh discovery cycle.
type Identity struct {
	ID   string
	Name string
	IP   net.IP
	Port int

	State      string
	ZoneID     string
	Creator    string
	ColorCode  string
	Firmware   string
	StereoPair string
}

// Addr is the device's command endpoint.
func (id *Identity) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: id.IP, Port: id.Port}
}

func (id *Identity) String() string {
	return fmt.Sprintf("%s (%s) %s:%d", id.ID, id.Name, id.IP, id.Port)
}

var ErrBadReply = errors.New("discovery: bad reply")

// ParseReply parses the NOTIFY text block a device answers a probe
// with. Some firmwares emit a trailing space after "HTTP/1.1", so the
// request line is matched after trimming.
func ParseReply(b []byte) (*Identity, error) {
	i := bytes.Index(b, []byte("\r\n"))
	if i < 0 {
		return nil, fmt.Errorf("%w: no request line", ErrBadReply)
	}

	if line := strings.TrimRight(string(b[:i]), " "); line != "NOTIFY * HTTP/1.1" {
		return nil, fmt.Errorf("%w: unexpected request line %q", ErrBadReply, line)
	}

	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(b[i+2:])))
	h, err := r.ReadMIMEHeader()
	if err != nil && len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadReply, err)
	}

	id := &Identity{
		ID:         h.Get("DeviceID"),
		Name:       h.Get("DeviceName"),
		State:      h.Get("DeviceState"),
		ZoneID:     h.Get("ZoneID"),
		Creator:    h.Get("Creator"),
		ColorCode:  h.Get("ColorCode"),
		Firmware:   h.Get("FWVersion"),
		StereoPair: h.Get("StereoPairID"),
	}

	if id.ID == "" {
		return nil, fmt.Errorf("%w: missing DeviceID", ErrBadReply)
	}

	if id.IP = net.ParseIP(h.Get("IPAddr")); id.IP == nil {
		return nil, fmt.Errorf("%w: missing or invalid IPAddr", ErrBadReply)
	}

	if id.Port, err = strconv.Atoi(h.Get("PORT")); err != nil || id.Port <= 0 || id.Port > 65535 {
		return nil, fmt.Errorf("%w: missing or invalid PORT", ErrBadReply)
	}

	return id, nil
}
