package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netdsp/netdsp/internal/jitter"
	"github.com/netdsp/netdsp/pkg/codec"
	"github.com/netdsp/netdsp/pkg/frame"
	"github.com/netdsp/netdsp/pkg/packet"
	"github.com/netdsp/netdsp/pkg/protocol"
)

const (
	helloAttempts  = 6
	helloTimeout   = 500 * time.Millisecond
	readerPollTime = 200 * time.Millisecond
)

// Slave is the client end of a streaming session. The audio callback
// drives it through Compute; a dedicated reader goroutine feeds the
// jitter buffer from the network.
type Slave struct {
	logger *slog.Logger

	params Params
	opts   Options

	conn      *net.UDPConn
	sendCodec codec.Codec
	recvCodec codec.Codec
	split     *packet.Splitter
	jit       *jitter.Buffer
	handler   Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state       atomic.Int32
	stopped     atomic.Bool
	pendingLost atomic.Int64

	readTimeout time.Duration
	syncTimeout time.Duration

	// Compute-side staging, touched only by the compute goroutine.
	inStage  frame.Block
	inFill   int
	outStage frame.Block
	outAvail int
	outDrain int

	closeOnce sync.Once
}

// Dial opens a session to the master at opts.IP:opts.Port, performs
// the handshake and primes the outbound direction. On handshake
// rejection or timeout the returned error wraps ErrNetStreamNotStarted.
//
// handler may be nil, in which case mid-stream errors are only logged.
func Dial(params Params, opts Options, handler Handler, logger *slog.Logger) (*Slave, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrNetStreamNotStarted, err)
	}

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(opts.IP, strconv.Itoa(opts.Port)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrNetStreamNotStarted, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrNetStreamNotStarted, err)
	}

	s := &Slave{
		logger:  logger.With(slog.String("session", "slave"), slog.String("remote", raddr.String())),
		params:  params,
		opts:    opts,
		conn:    conn,
		handler: handler,
	}
	s.state.Store(int32(StateNegotiating))

	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	s.sendCodec, s.recvCodec, err = buildCodecs(params, opts)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", protocol.ErrNetStreamNotStarted, err)
	}
	s.split, err = packet.NewSplitter(opts.MTU)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", protocol.ErrNetStreamNotStarted, err)
	}
	s.jit = jitter.New(opts.Latency+2, params.Outputs, params.CycleSize)

	period := params.CyclePeriod()
	s.readTimeout = max(time.Duration(opts.Latency)*period, 2*time.Millisecond)
	s.syncTimeout = time.Duration(opts.Latency+3)*period + 100*time.Millisecond

	s.inStage = frame.NewBlock(params.Inputs, params.CycleSize)
	s.outStage = frame.NewBlock(params.Outputs, params.CycleSize)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.state.Store(int32(StateSynchronizing))

	// Prime the outbound direction so the master's jitter buffer can
	// fill to the latency depth before real audio flows.
	for i := 0; i < opts.Latency; i++ {
		if err := s.sendCycle(); err != nil {
			s.logger.Warn("priming send failed", "err", err)
		}
	}

	s.wg.Add(1)
	go s.readLoop()

	s.logger.Debug("session synchronizing",
		"samplerate", params.SampleRate,
		"cyclesize", params.CycleSize,
		"latency", opts.Latency,
		"compression", opts.Compression,
	)
	return s, nil
}

// handshake sends hello until the master accepts, rejects, or the
// attempts run out.
func (s *Slave) handshake() error {
	body, err := marshalHello(s.params, s.opts)
	if err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrNetStreamNotStarted, err)
	}
	out := make([]byte, packet.HeaderSize+len(body))
	packet.Header{Type: packet.TypeHello, NumChunks: 1}.Put(out)
	copy(out[packet.HeaderSize:], body)

	buf := make([]byte, s.opts.MTU)
	for attempt := 0; attempt < helloAttempts; attempt++ {
		if _, err := s.conn.Write(out); err != nil {
			return fmt.Errorf("%w: hello: %w", protocol.ErrNetStreamNotStarted, err)
		}
		s.conn.SetReadDeadline(time.Now().Add(helloTimeout))
		n, err := s.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("%w: %w", protocol.ErrNetStreamNotStarted, err)
		}
		h, payload, err := packet.Parse(buf[:n])
		if err != nil {
			continue
		}
		switch h.Type {
		case packet.TypeAccept:
			s.conn.SetReadDeadline(time.Time{})
			return nil
		case packet.TypeReject:
			var rej reject
			_ = json.Unmarshal(payload, &rej)
			return fmt.Errorf("%w: rejected by master: %s", protocol.ErrNetStreamNotStarted, rej.Reason)
		}
	}
	return fmt.Errorf("%w: no answer from master after %d attempts", protocol.ErrNetStreamNotStarted, helloAttempts)
}

// State reports the session state.
func (s *Slave) State() State { return State(s.state.Load()) }

// Stopped reports whether the error handler has halted the session.
func (s *Slave) Stopped() bool { return s.stopped.Load() }

// Compute exchanges count frames with the remote instance: in carries
// this cycle's input, out receives the remote output. It is driven by
// the audio callback's cadence and never blocks on the network longer
// than the session's bounded read timeout.
//
// Without the partial option, count must equal the negotiated cycle
// size. With it, any smaller count is accumulated until a whole cycle
// is ready for one network exchange.
//
// Network failures do not surface here; they flow through the
// registered handler. Compute only fails on misuse.
func (s *Slave) Compute(count int, in, out frame.Block) error {
	switch s.State() {
	case StateClosed:
		return fmt.Errorf("compute on closed session")
	case StateDraining:
		silence(out, 0, count)
		return nil
	}
	if s.stopped.Load() {
		silence(out, 0, count)
		return nil
	}
	if !s.opts.Partial && count != s.params.CycleSize {
		return fmt.Errorf("compute with %d frames, negotiated cycle is %d (partial mode is off)", count, s.params.CycleSize)
	}

	off := 0
	for off < count {
		n := min(count-off, s.params.CycleSize-s.inFill)
		for ch := 0; ch < s.params.Inputs && ch < len(in); ch++ {
			copy(s.inStage[ch][s.inFill:s.inFill+n], in[ch][off:off+n])
		}
		s.inFill += n

		if s.inFill == s.params.CycleSize {
			s.inFill = 0
			s.exchange()
		}

		for ch := 0; ch < len(out); ch++ {
			avail := 0
			if ch < s.params.Outputs {
				avail = min(n, s.outAvail-s.outDrain)
				copy(out[ch][off:off+avail], s.outStage[ch][s.outDrain:s.outDrain+avail])
			}
			clear(out[ch][off+avail : off+n])
		}
		if s.params.Outputs > 0 {
			s.outDrain += min(n, s.outAvail-s.outDrain)
		}
		off += n
	}
	return nil
}

// exchange performs one full-cycle network round: send the staged
// input, then collect the matching remote output into the out stage.
func (s *Slave) exchange() {
	if err := s.sendCycle(); err != nil {
		s.report(fmt.Errorf("%w: %w", protocol.ErrNetStreamWrite, err))
		if s.stopped.Load() {
			return
		}
	}

	if s.State() == StateSynchronizing && !s.awaitSync() {
		s.report(fmt.Errorf("%w: latency depth not reached", protocol.ErrNetStreamRead))
		s.fillSilence()
		return
	}

	// Each cycle lost on the wire is one read error, even when a newer
	// cycle made it through.
	for lost := s.pendingLost.Swap(0); lost > 0; lost-- {
		s.report(fmt.Errorf("%w: cycle lost", protocol.ErrNetStreamRead))
		if s.stopped.Load() {
			s.fillSilence()
			return
		}
	}

	blk, ok := s.jit.Get(s.readTimeout)
	if !ok {
		s.report(fmt.Errorf("%w: no cycle within %v", protocol.ErrNetStreamRead, s.readTimeout))
		s.fillSilence()
		if s.State() == StateStreaming {
			s.setState(StateFaulted)
		}
		return
	}
	blk.CopyTo(s.outStage, 0, s.params.CycleSize)
	s.jit.Recycle(blk)
	s.outAvail = s.params.CycleSize
	s.outDrain = 0
	if s.State() == StateFaulted {
		s.setState(StateStreaming)
	}
}

func (s *Slave) sendCycle() error {
	payload, err := s.sendCodec.Encode(s.inStage)
	if err != nil {
		return err
	}
	return s.split.Split(packet.TypeAudio, payload, func(d []byte) error {
		_, err := s.conn.Write(d)
		return err
	})
}

// awaitSync blocks until the jitter buffer holds the negotiated latency
// depth, bounded by the sync timeout.
func (s *Slave) awaitSync() bool {
	deadline := time.Now().Add(s.syncTimeout)
	for s.jit.Len() < s.opts.Latency {
		if time.Now().After(deadline) || s.ctx.Err() != nil {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	s.setState(StateStreaming)
	s.logger.Debug("session streaming", "buffered", s.jit.Len())
	return true
}

func (s *Slave) fillSilence() {
	s.outStage.Silence()
	s.outAvail = s.params.CycleSize
	s.outDrain = 0
}

// report routes a mid-stream error through the handler. A Stop verdict
// halts compute and moves the session to draining.
func (s *Slave) report(err error) {
	s.logger.Debug("stream error", "err", err)
	if s.handler == nil {
		return
	}
	if s.handler.StreamError(err) == Stop {
		s.stopped.Store(true)
		s.setState(StateDraining)
	}
}

// readLoop receives, reassembles and decodes inbound cycles into the
// jitter buffer until the session closes.
func (s *Slave) readLoop() {
	defer s.wg.Done()

	reasm, err := packet.NewReassembler(s.opts.MTU, s.opts.Latency+2)
	if err != nil {
		s.logger.Error("reassembler setup failed", "err", err)
		return
	}
	buf := make([]byte, s.opts.MTU)
	for {
		if s.ctx.Err() != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readerPollTime))
		n, err := s.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Debug("read failed", "err", err)
			continue
		}
		h, payload, err := packet.Parse(buf[:n])
		if err != nil {
			s.logger.Debug("malformed datagram dropped", "err", err)
			continue
		}
		switch h.Type {
		case packet.TypeAudio:
			c, ok, err := reasm.Push(h, payload)
			if err != nil {
				s.logger.Debug("malformed chunk dropped", "err", err)
				continue
			}
			if !ok {
				continue
			}
			if c.Lost > 0 {
				s.pendingLost.Add(int64(c.Lost))
			}
			blk := s.jit.Take()
			if err := s.recvCodec.Decode(c.Payload, blk); err != nil {
				s.logger.Debug("undecodable cycle dropped", "err", err)
				s.pendingLost.Add(1)
				s.jit.Recycle(blk)
				continue
			}
			s.jit.Put(blk)
		case packet.TypeBye:
			s.logger.Info("master closed the session")
			return
		case packet.TypeAccept:
			// Duplicate handshake answer; ignore.
		}
	}
}

// Close drains and closes the session, unblocking any in-progress
// network wait. Close is idempotent; the session is unusable
// afterwards.
func (s *Slave) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateDraining)
		bye := make([]byte, packet.HeaderSize)
		packet.Header{Type: packet.TypeBye, NumChunks: 1}.Put(bye)
		s.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		_, _ = s.conn.Write(bye)

		s.cancel()
		s.conn.Close()
		s.wg.Wait()
		s.setState(StateClosed)
		s.logger.Debug("session closed")
	})
	return nil
}

func (s *Slave) setState(st State) {
	s.state.Store(int32(st))
}

func silence(blk frame.Block, off, n int) {
	for ch := range blk {
		clear(blk[ch][off : off+n])
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
