// Package transport owns the UDP socket the engine speaks through.
// It carries raw datagrams only and has no protocol knowledge.
// Remote unavailability is invisible here: sends are fire-and-forget
// and silence on receive is not an error. Local socket failures are
// fatal to the adapter and propagate to the caller.
package transport

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

var ErrClosed = errors.New("transport: closed")

// Conn wraps one UDP socket bound to an ephemeral local port with
// broadcast send enabled.
type Conn struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func Listen() (*Conn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			// plain sockets cannot send to 255.255.255.255
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = setBroadcast(fd)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return nil, err
	}

	conn := pc.(*net.UDPConn)

	return &Conn{
		conn: conn,
		addr: conn.LocalAddr().(*net.UDPAddr),
	}, nil
}

func (c *Conn) Port() int {
	return c.addr.Port
}

func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.addr
}

func (c *Conn) WriteTo(b []byte, addr *net.UDPAddr) error {
	_, err := c.conn.WriteToUDP(b, addr)
	return err
}

// Broadcast sends b to the limited broadcast address on port.
func (c *Conn) Broadcast(b []byte, port int) error {
	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: port}
	_, err := c.conn.WriteToUDP(b, addr)
	return err
}

// Serve reads datagrams until Close and hands each to fn. Returns nil
// after Close, otherwise the socket error that stopped the loop.
func (c *Conn) Serve(fn func(addr *net.UDPAddr, b []byte)) error {
	b := make([]byte, 2048)
	for {
		n, addr, err := c.conn.ReadFromUDP(b)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		fn(addr, b[:n])
	}
}

// SetReadDeadline bounds the Serve loop. Serve returns
// os.ErrDeadlineExceeded once the deadline passes.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// OutboundIP returns the local address the OS would route towards
// remote. Used to tell the device where to send notifications.
func OutboundIP(remote net.IP) (net.IP, error) {
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: remote, Port: 9})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
