// Package discovery locates compilation servers on the local network.
// Servers join a multicast group and answer probes with a unicast
// announce; scanning is a bounded-time collect over those answers.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/netdsp/netdsp/pkg/protocol"
)

// DefaultGroup is the multicast group servers listen on.
const DefaultGroup = "239.192.0.17:7771"

// probe is the datagram a scan sends to the group.
const probe = "netdsp?"

const maxDatagram = 2048

// Announce is a server's answer to a probe.
type Announce struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Scan probes the group and collects answers until the timeout
// elapses. The result maps server names to their announces; a silent
// network yields an empty map, not an error. Not for use from an audio
// callback.
func Scan(group string, timeout time.Duration) (map[string]Announce, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("discovery: bad group %q: %w", group, err)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	defer conn.Close()

	if _, err := conn.WriteToUDP([]byte(probe), addr); err != nil {
		return nil, fmt.Errorf("discovery: probe send: %w", err)
	}

	found := map[string]Announce{}
	deadline := time.Now().Add(timeout)
	buf := make([]byte, maxDatagram)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return found, nil
			}
			return found, err
		}
		var ann Announce
		if err := json.Unmarshal(buf[:n], &ann); err != nil || ann.Name == "" {
			continue
		}
		if ann.IP == "" {
			ann.IP = from.IP.String()
		}
		found[ann.Name] = ann
	}
}

// Responder answers probes for one server. It runs for the server's
// whole lifetime so scans find it at any point, not just at startup.
type Responder struct {
	name   string
	port   int
	group  *net.UDPAddr
	logger *slog.Logger
}

// NewResponder advertises name and the given HTTP port on the group.
func NewResponder(group, name string, port int, logger *slog.Logger) (*Responder, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("discovery: bad group %q: %w", group, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		name:   name,
		port:   port,
		group:  addr,
		logger: logger.WithGroup("discovery"),
	}, nil
}

// Run joins the group and answers probes until ctx is cancelled.
func (r *Responder) Run(ctx context.Context) error {
	conn, err := net.ListenMulticastUDP("udp4", nil, r.group)
	if err != nil {
		return fmt.Errorf("discovery: join %s: %w", r.group, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	r.logger.Info("answering probes", "group", r.group.String(), "name", r.name)
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if string(buf[:n]) != probe {
			continue
		}
		reply, err := json.Marshal(Announce{
			Name: r.name,
			IP:   advertiseIP(from),
			Port: r.port,
		})
		if err != nil {
			continue
		}
		if _, err := conn.WriteToUDP(reply, from); err != nil {
			r.logger.Debug("announce send failed", "to", from.String(), "err", err)
		}
	}
}

// advertiseIP picks the local address that routes to the prober, so
// multihomed servers announce an address the prober can reach. The
// prober falls back to the datagram's source address when this comes
// back empty.
func advertiseIP(peer *net.UDPAddr) string {
	c, err := net.DialUDP("udp4", nil, peer)
	if err != nil {
		return ""
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).IP.String()
}

// ListFactories fetches the factory listing of one discovered server.
func ListFactories(ip string, port int) ([]protocol.FactoryInfo, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://%s/factories", net.JoinHostPort(ip, fmt.Sprint(port)))
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrConnection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %s", protocol.ErrConnection, url, resp.Status)
	}
	var infos []protocol.FactoryInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrConnection, err)
	}
	return infos, nil
}
