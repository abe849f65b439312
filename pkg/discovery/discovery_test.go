package discovery_test

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdsp/netdsp/pkg/discovery"
	"github.com/netdsp/netdsp/pkg/protocol"
)

func TestScanOnSilentNetworkReturnsEmptyMap(t *testing.T) {
	found, err := discovery.Scan("239.192.0.250:17771", 150*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, found)
}

// A plain unicast listener standing in for a server: good enough to
// exercise the collect loop without multicast routing in the test
// environment.
func TestScanCollectsAnnounces(t *testing.T) {
	lis, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer lis.Close()

	go func() {
		buf := make([]byte, 64)
		n, from, err := lis.ReadFromUDP(buf)
		if err != nil || string(buf[:n]) != "netdsp?" {
			return
		}
		reply, _ := json.Marshal(discovery.Announce{Name: "studio", Port: 7777})
		lis.WriteToUDP(reply, from)
	}()

	port := lis.LocalAddr().(*net.UDPAddr).Port
	found, err := discovery.Scan("127.0.0.1:"+strconv.Itoa(port), 300*time.Millisecond)
	require.NoError(t, err)
	require.Contains(t, found, "studio")
	assert.Equal(t, 7777, found["studio"].Port)
	assert.Equal(t, "127.0.0.1", found["studio"].IP, "missing IP falls back to the sender address")
}

func TestListFactories(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/factories", r.URL.Path)
		json.NewEncoder(w).Encode([]protocol.FactoryInfo{{Name: "echo", SHAKey: "abc"}})
	}))
	defer ts.Close()

	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	infos, err := discovery.ListFactories(host, port)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "echo", infos[0].Name)
}

func TestListFactoriesOnDeadServerIsConnectionError(t *testing.T) {
	// Bind and release a port so nothing listens on it.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	lis.Close()

	_, err = discovery.ListFactories("127.0.0.1", port)
	assert.True(t, errors.Is(err, protocol.ErrConnection))
}
