package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/netdsp/netdsp/pkg/codec"
	"github.com/netdsp/netdsp/pkg/frame"
	"github.com/netdsp/netdsp/pkg/packet"
)

// Processor runs one cycle of the bound program: in holds the client's
// input channels, out is filled with the program's output.
type Processor interface {
	Process(in, out frame.Block) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(in, out frame.Block) error

func (f ProcessorFunc) Process(in, out frame.Block) error { return f(in, out) }

// Master is the server end of a streaming session: it owns the
// listening socket for one instance, answers the slave's handshake,
// and processes inbound cycles through the program as they arrive.
// It is network-driven; a slow compilation elsewhere never blocks it.
type Master struct {
	logger *slog.Logger
	conn   *net.UDPConn
	params Params
	proc   Processor

	// state is owned by the Run goroutine.
	state State
}

// NewMaster wraps a pre-bound UDP socket. The server allocates the
// socket so it can advertise the port in the instance reply before the
// session goroutine starts.
func NewMaster(conn *net.UDPConn, params Params, proc Processor, logger *slog.Logger) (*Master, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &Master{
		logger: logger.With(slog.String("session", "master"), slog.String("local", conn.LocalAddr().String())),
		conn:   conn,
		params: params,
		proc:   proc,
		state:  StateUnbound,
	}, nil
}

// Run serves the session until ctx is canceled, the slave says bye, or
// the handshake never arrives. It closes the socket on return.
func (m *Master) Run(ctx context.Context) error {
	defer m.conn.Close()

	stop := context.AfterFunc(ctx, func() { m.conn.Close() })
	defer stop()

	peer, opts, err := m.acceptHandshake(ctx)
	if err != nil {
		return err
	}

	// The master sends the program's outputs and receives its inputs.
	flipped := Params{
		SampleRate: m.params.SampleRate,
		CycleSize:  m.params.CycleSize,
		Inputs:     m.params.Outputs,
		Outputs:    m.params.Inputs,
	}
	sendCodec, recvCodec, err := buildCodecs(flipped, opts)
	if err != nil {
		return err
	}
	split, err := packet.NewSplitter(opts.MTU)
	if err != nil {
		return err
	}
	reasm, err := packet.NewReassembler(opts.MTU, opts.Latency+2)
	if err != nil {
		return err
	}

	in := frame.NewBlock(m.params.Inputs, m.params.CycleSize)
	out := frame.NewBlock(m.params.Outputs, m.params.CycleSize)

	send := func() error {
		payload, err := sendCodec.Encode(out)
		if err != nil {
			return err
		}
		return split.Split(packet.TypeAudio, payload, func(d []byte) error {
			_, err := m.conn.WriteToUDP(d, peer)
			return err
		})
	}

	// Prime the slave's jitter buffer to the negotiated latency depth.
	m.state = StateSynchronizing
	out.Silence()
	for i := 0; i < opts.Latency; i++ {
		if err := send(); err != nil {
			m.logger.Warn("priming send failed", "err", err)
		}
	}

	buf := make([]byte, opts.MTU)
	for {
		if ctx.Err() != nil {
			m.state = StateClosed
			return nil
		}
		m.conn.SetReadDeadline(time.Now().Add(readerPollTime))
		n, _, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				m.state = StateClosed
				return nil
			}
			m.logger.Debug("read failed", "err", err)
			continue
		}
		h, payload, err := packet.Parse(buf[:n])
		if err != nil {
			continue
		}
		switch h.Type {
		case packet.TypeHello:
			// Retransmitted hello; answer again.
			m.sendAnswer(packet.TypeAccept, nil, peer)
		case packet.TypeBye:
			m.logger.Debug("slave closed the session")
			m.state = StateClosed
			return nil
		case packet.TypeAudio:
			c, ok, err := reasm.Push(h, payload)
			if err != nil || !ok {
				continue
			}
			if c.Lost > 0 {
				m.logger.Debug("input cycles lost", "count", c.Lost)
			}
			if err := recvCodec.Decode(c.Payload, in); err != nil {
				// Malformed input is dropped, not processed.
				m.logger.Debug("undecodable input cycle dropped", "err", err)
				continue
			}
			m.state = StateStreaming
			if err := m.proc.Process(in, out); err != nil {
				m.logger.Warn("program cycle failed, sending silence", "err", err)
				out.Silence()
			}
			if err := send(); err != nil {
				m.logger.Debug("send failed", "err", err)
			}
		}
	}
}

// acceptHandshake waits for the slave's hello and validates it against
// the instance parameters. A mismatch is answered with a reject so the
// slave can surface a precise handshake error.
func (m *Master) acceptHandshake(ctx context.Context) (*net.UDPAddr, Options, error) {
	buf := make([]byte, DefaultMTU)
	for {
		if ctx.Err() != nil {
			return nil, Options{}, ctx.Err()
		}
		m.conn.SetReadDeadline(time.Now().Add(readerPollTime))
		n, peer, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil, Options{}, fmt.Errorf("session canceled before handshake")
			}
			continue
		}
		h, payload, err := packet.Parse(buf[:n])
		if err != nil || h.Type != packet.TypeHello {
			continue
		}

		var hel hello
		if err := json.Unmarshal(payload, &hel); err != nil {
			m.sendAnswer(packet.TypeReject, &reject{Reason: "malformed hello"}, peer)
			continue
		}
		opts := Options{
			Compression: hel.Compression,
			Latency:     hel.Latency,
			MTU:         hel.MTU,
			Partial:     hel.Partial,
		}.withDefaults()

		if reason := m.vetHello(hel, opts); reason != "" {
			m.logger.Info("handshake rejected", "reason", reason, "peer", peer)
			m.sendAnswer(packet.TypeReject, &reject{Reason: reason}, peer)
			return nil, Options{}, fmt.Errorf("handshake rejected: %s", reason)
		}

		m.state = StateNegotiating
		m.sendAnswer(packet.TypeAccept, nil, peer)
		m.logger.Debug("handshake accepted", "peer", peer, "compression", opts.Compression)
		return peer, opts, nil
	}
}

// vetHello returns a rejection reason, or "" when the proposal matches
// this instance.
func (m *Master) vetHello(hel hello, opts Options) string {
	if hel.SampleRate != m.params.SampleRate {
		return fmt.Sprintf("sampling rate %d does not match instance rate %d", hel.SampleRate, m.params.SampleRate)
	}
	if hel.CycleSize != m.params.CycleSize {
		return fmt.Sprintf("cycle size %d does not match instance cycle %d", hel.CycleSize, m.params.CycleSize)
	}
	if hel.Inputs != m.params.Inputs || hel.Outputs != m.params.Outputs {
		return fmt.Sprintf("channel shape %d/%d does not match program shape %d/%d",
			hel.Inputs, hel.Outputs, m.params.Inputs, m.params.Outputs)
	}
	if opts.MTU < packet.MinMTU {
		return fmt.Sprintf("mtu %d below minimum %d", opts.MTU, packet.MinMTU)
	}
	scheme, kbits, err := codec.FromCompression(opts.Compression)
	if err != nil {
		return err.Error()
	}
	if scheme == codec.SchemeOpus {
		if _, err := codec.New(scheme, m.params.SampleRate, 1, m.params.CycleSize, kbits); err != nil {
			return err.Error()
		}
	}
	return ""
}

func (m *Master) sendAnswer(typ uint8, rej *reject, peer *net.UDPAddr) {
	var body []byte
	if rej != nil {
		body, _ = json.Marshal(rej)
	}
	out := make([]byte, packet.HeaderSize+len(body))
	packet.Header{Type: typ, NumChunks: 1}.Put(out)
	copy(out[packet.HeaderSize:], body)
	if _, err := m.conn.WriteToUDP(out, peer); err != nil {
		m.logger.Debug("handshake answer failed", "err", err)
	}
}

// State reports the master session state. Run mutates it from its own
// goroutine; State is meant for post-Run inspection and logging.
func (m *Master) State() State { return m.state }
