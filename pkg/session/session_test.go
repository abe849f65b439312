package session_test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/netdsp/netdsp/pkg/codec"
	"github.com/netdsp/netdsp/pkg/frame"
	"github.com/netdsp/netdsp/pkg/packet"
	"github.com/netdsp/netdsp/pkg/protocol"
	"github.com/netdsp/netdsp/pkg/session"
)

// fakeMaster is a scripted master end for timing-controlled tests: the
// test decides exactly which cycles are sent and when.
type fakeMaster struct {
	t     *testing.T
	conn  *net.UDPConn
	peer  *net.UDPAddr
	enc   codec.Codec
	dec   codec.Codec
	split *packet.Splitter
	reasm *packet.Reassembler
	blk   frame.Block
}

func newFakeMaster(t *testing.T, channels, cycleSize int) *fakeMaster {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	enc, err := codec.New(codec.SchemeFloat, 48000, channels, cycleSize, 0)
	require.NoError(t, err)
	dec, err := codec.New(codec.SchemeFloat, 48000, channels, cycleSize, 0)
	require.NoError(t, err)
	split, err := packet.NewSplitter(session.DefaultMTU)
	require.NoError(t, err)
	reasm, err := packet.NewReassembler(session.DefaultMTU, 8)
	require.NoError(t, err)

	return &fakeMaster{
		t:     t,
		conn:  conn,
		enc:   enc,
		dec:   dec,
		split: split,
		reasm: reasm,
		blk:   frame.NewBlock(channels, cycleSize),
	}
}

func (f *fakeMaster) port() int {
	return f.conn.LocalAddr().(*net.UDPAddr).Port
}

// accept consumes the slave's hello and answers it.
func (f *fakeMaster) accept() {
	f.t.Helper()
	buf := make([]byte, session.DefaultMTU)
	f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		n, peer, err := f.conn.ReadFromUDP(buf)
		require.NoError(f.t, err)
		h, _, err := packet.Parse(buf[:n])
		require.NoError(f.t, err)
		if h.Type != packet.TypeHello {
			continue
		}
		f.peer = peer
		answer := make([]byte, packet.HeaderSize)
		packet.Header{Type: packet.TypeAccept, NumChunks: 1}.Put(answer)
		_, err = f.conn.WriteToUDP(answer, peer)
		require.NoError(f.t, err)
		return
	}
}

// sendCycle transmits one cycle of silence. When drop is set the cycle
// counter still advances but nothing leaves the socket, which is what a
// mid-stream datagram loss looks like to the slave.
func (f *fakeMaster) sendCycle(drop bool) {
	f.t.Helper()
	f.blk.Silence()
	payload, err := f.enc.Encode(f.blk)
	require.NoError(f.t, err)
	err = f.split.Split(packet.TypeAudio, payload, func(d []byte) error {
		if drop {
			return nil
		}
		_, err := f.conn.WriteToUDP(d, f.peer)
		return err
	})
	require.NoError(f.t, err)
}

// recvCycle blocks until one complete audio cycle arrives from the
// slave, ignoring everything else.
func (f *fakeMaster) recvCycle() {
	f.t.Helper()
	buf := make([]byte, session.DefaultMTU)
	f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		n, _, err := f.conn.ReadFromUDP(buf)
		require.NoError(f.t, err)
		h, payload, err := packet.Parse(buf[:n])
		require.NoError(f.t, err)
		if h.Type != packet.TypeAudio {
			continue
		}
		_, ok, err := f.reasm.Push(h, payload)
		require.NoError(f.t, err)
		if ok {
			return
		}
	}
}

func countingHandler(count *atomic.Int64, action session.Action) session.Handler {
	return session.HandlerFunc(func(err error) session.Action {
		count.Add(1)
		return action
	})
}

func TestSlaveStreamsOnlyAfterLatencyDepthIsBuffered(t *testing.T) {
	defer goleak.VerifyNone(t)

	const cycleSize = 512
	fm := newFakeMaster(t, 1, cycleSize)

	var errCount atomic.Int64
	done := make(chan *session.Slave, 1)
	go func() {
		s, err := session.Dial(
			session.Params{SampleRate: 48000, CycleSize: cycleSize, Inputs: 1, Outputs: 1},
			session.Options{IP: "127.0.0.1", Port: fm.port(), Latency: 2},
			countingHandler(&errCount, session.Continue),
			nil,
		)
		require.NoError(t, err)
		done <- s
	}()

	fm.accept()
	s := <-done
	defer s.Close()
	assert.Equal(t, session.StateSynchronizing, s.State())

	// Hold back the second cycle: the session must not start streaming
	// on one buffered cycle alone.
	fm.sendCycle(false)

	in := frame.NewBlock(1, cycleSize)
	out := frame.NewBlock(1, cycleSize)
	computed := make(chan struct{})
	go func() {
		require.NoError(t, s.Compute(cycleSize, in, out))
		close(computed)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, session.StateSynchronizing, s.State(), "one buffered cycle must not start playback at latency 2")

	fm.sendCycle(false)
	select {
	case <-computed:
	case <-time.After(2 * time.Second):
		t.Fatal("compute did not finish after the latency depth was reached")
	}
	assert.Equal(t, session.StateStreaming, s.State())
	assert.Zero(t, errCount.Load())
}

func TestHandshakeMismatchIsRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	master, err := session.NewMaster(conn,
		session.Params{SampleRate: 44100, CycleSize: 512, Inputs: 1, Outputs: 1},
		session.ProcessorFunc(func(in, out frame.Block) error { return nil }),
		nil,
	)
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- master.Run(context.Background()) }()

	_, err = session.Dial(
		session.Params{SampleRate: 48000, CycleSize: 512, Inputs: 1, Outputs: 1},
		session.Options{IP: "127.0.0.1", Port: conn.LocalAddr().(*net.UDPAddr).Port},
		nil, nil,
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrNetStreamNotStarted)

	select {
	case err := <-runDone:
		assert.Error(t, err, "master should report the rejected handshake")
	case <-time.After(2 * time.Second):
		t.Fatal("master did not finish after rejecting the handshake")
	}
}

func TestDroppedCycleProducesExactlyOneReadError(t *testing.T) {
	defer goleak.VerifyNone(t)

	const (
		cycleSize = 256
		cycles    = 8
		dropAt    = 4
	)
	fm := newFakeMaster(t, 1, cycleSize)

	var errCount atomic.Int64
	done := make(chan *session.Slave, 1)
	go func() {
		s, err := session.Dial(
			session.Params{SampleRate: 48000, CycleSize: cycleSize, Inputs: 1, Outputs: 1},
			session.Options{IP: "127.0.0.1", Port: fm.port(), Latency: 2},
			countingHandler(&errCount, session.Continue),
			nil,
		)
		require.NoError(t, err)
		done <- s
	}()

	fm.accept()
	s := <-done
	defer s.Close()

	// Consume the slave's two priming cycles, then fill the jitter
	// buffer to the latency depth.
	fm.recvCycle()
	fm.recvCycle()
	fm.sendCycle(false)
	fm.sendCycle(false)

	in := frame.NewBlock(1, cycleSize)
	out := frame.NewBlock(1, cycleSize)
	start := time.Now()
	for i := 0; i < cycles; i++ {
		require.NoError(t, s.Compute(cycleSize, in, out))
		fm.recvCycle()
		fm.sendCycle(i == dropAt)
	}
	// Drain once more so the loss is observed by a later compute.
	require.NoError(t, s.Compute(cycleSize, in, out))

	assert.Equal(t, int64(1), errCount.Load(), "one dropped cycle must produce exactly one read-error callback")
	assert.Less(t, time.Since(start), 5*time.Second, "compute must never block unbounded on the network")
}

func TestStopVerdictHaltsCompute(t *testing.T) {
	defer goleak.VerifyNone(t)

	const cycleSize = 256
	fm := newFakeMaster(t, 1, cycleSize)

	var errCount atomic.Int64
	done := make(chan *session.Slave, 1)
	go func() {
		s, err := session.Dial(
			session.Params{SampleRate: 48000, CycleSize: cycleSize, Inputs: 1, Outputs: 1},
			session.Options{IP: "127.0.0.1", Port: fm.port(), Latency: 2},
			countingHandler(&errCount, session.Stop),
			nil,
		)
		require.NoError(t, err)
		done <- s
	}()

	fm.accept()
	s := <-done
	defer s.Close()

	// Never send anything: the first exchange fails to reach the
	// latency depth and the handler's Stop verdict drains the session.
	in := frame.NewBlock(1, cycleSize)
	out := frame.NewBlock(1, cycleSize)
	require.NoError(t, s.Compute(cycleSize, in, out))
	assert.Equal(t, int64(1), errCount.Load())
	assert.True(t, s.Stopped())

	// Later computes are inert: silence out, no further callbacks.
	out[0][0] = 42
	require.NoError(t, s.Compute(cycleSize, in, out))
	assert.Zero(t, out[0][0])
	assert.Equal(t, int64(1), errCount.Load())
}

func TestMasterEchoEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	const cycleSize = 256
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	params := session.Params{SampleRate: 48000, CycleSize: cycleSize, Inputs: 1, Outputs: 1}
	master, err := session.NewMaster(conn, params,
		session.ProcessorFunc(func(in, out frame.Block) error {
			in.CopyTo(out, 0, cycleSize)
			return nil
		}),
		nil,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- master.Run(ctx) }()

	var errCount atomic.Int64
	s, err := session.Dial(params,
		session.Options{IP: "127.0.0.1", Port: conn.LocalAddr().(*net.UDPAddr).Port, Latency: 2},
		countingHandler(&errCount, session.Continue),
		nil,
	)
	require.NoError(t, err)

	// Stamp each sent cycle and collect what comes back; the echo must
	// preserve order.
	in := frame.NewBlock(1, cycleSize)
	out := frame.NewBlock(1, cycleSize)
	var got []float32
	for i := 1; i <= 20; i++ {
		in[0][0] = float32(i)
		require.NoError(t, s.Compute(cycleSize, in, out))
		if out[0][0] != 0 {
			got = append(got, out[0][0])
		}
	}
	require.NotEmpty(t, got, "echoed cycles should come back within the run")
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1]+1, got[i], "cycles must come back in send order")
	}

	require.NoError(t, s.Close())
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("master did not exit after the slave said bye")
	}
}

func TestPartialComputeAccumulatesCycles(t *testing.T) {
	defer goleak.VerifyNone(t)

	const cycleSize = 256
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	params := session.Params{SampleRate: 48000, CycleSize: cycleSize, Inputs: 1, Outputs: 1}
	master, err := session.NewMaster(conn, params,
		session.ProcessorFunc(func(in, out frame.Block) error {
			in.CopyTo(out, 0, cycleSize)
			return nil
		}),
		nil,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- master.Run(ctx) }()

	s, err := session.Dial(params,
		session.Options{IP: "127.0.0.1", Port: conn.LocalAddr().(*net.UDPAddr).Port, Partial: true},
		nil, nil,
	)
	require.NoError(t, err)

	// Quarter-cycle callbacks: four calls per network exchange.
	const chunk = cycleSize / 4
	in := frame.NewBlock(1, chunk)
	out := frame.NewBlock(1, chunk)
	var nonSilent int
	for i := 0; i < 40; i++ {
		for f := range in[0] {
			in[0][f] = 0.25
		}
		require.NoError(t, s.Compute(chunk, in, out))
		if out[0][0] != 0 {
			nonSilent = nonSilent + 1
		}
	}
	assert.Positive(t, nonSilent, "accumulated cycles must eventually produce output")

	require.NoError(t, s.Close())
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("master did not exit")
	}
}

func TestComputeRejectsShortCountWithoutPartialMode(t *testing.T) {
	defer goleak.VerifyNone(t)

	const cycleSize = 256
	fm := newFakeMaster(t, 1, cycleSize)

	done := make(chan *session.Slave, 1)
	go func() {
		s, err := session.Dial(
			session.Params{SampleRate: 48000, CycleSize: cycleSize, Inputs: 1, Outputs: 1},
			session.Options{IP: "127.0.0.1", Port: fm.port()},
			nil, nil,
		)
		require.NoError(t, err)
		done <- s
	}()
	fm.accept()
	s := <-done
	defer s.Close()

	err := s.Compute(100, frame.NewBlock(1, 100), frame.NewBlock(1, 100))
	assert.Error(t, err)
}
