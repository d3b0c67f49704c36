package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDevice answers every probe on a loopback socket the way a
// speaker would, n times per probe.
func fakeDevice(t *testing.T, reply string, n int) int {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})

	go func() {
		b := make([]byte, 1024)
		for {
			_, addr, err := conn.ReadFromUDP(b)
			if err != nil {
				return
			}
			for i := 0; i < n; i++ {
				_, _ = conn.WriteToUDP([]byte(reply), addr)
			}
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestDiscover(t *testing.T) {
	port := fakeDevice(t, reply, 2)

	found, err := Discover(context.Background(), Options{
		Port:   port,
		Window: 500 * time.Millisecond,
		Target: net.IPv4(127, 0, 0, 1),
	})
	require.NoError(t, err)

	// answered twice per probe, still one device
	require.Len(t, found, 1)
	require.Equal(t, "0A1B2C3D4E5F", found[0].ID)
	require.Equal(t, "Kitchen", found[0].Name)
}

func TestDiscoverIgnoresGarbage(t *testing.T) {
	port := fakeDevice(t, "HTTP/1.1 200 OK\r\n\r\n", 1)

	found, err := Discover(context.Background(), Options{
		Port:   port,
		Window: 300 * time.Millisecond,
		Target: net.IPv4(127, 0, 0, 1),
	})
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestDiscoverNobodyHome(t *testing.T) {
	start := time.Now()

	found, err := Discover(context.Background(), Options{
		Port:   1, // nothing listens here
		Window: 200 * time.Millisecond,
		Target: net.IPv4(127, 0, 0, 1),
	})
	require.NoError(t, err)
	require.Empty(t, found)

	// the whole window is spent waiting, absence is not an error
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestDiscoverCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	found, err := Discover(ctx, Options{
		Port:   1,
		Window: 5 * time.Second,
		Target: net.IPv4(127, 0, 0, 1),
	})
	require.NoError(t, err)
	require.Empty(t, found)
}