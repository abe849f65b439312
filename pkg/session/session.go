// Package session implements the synchronized audio exchange between a
// client (slave) and a remote instance (master): handshake, jitter
// buffering, packetization and the error-reporting contract.
//
// The slave side is pull-driven by the audio callback through Compute
// and never blocks on the network beyond a bounded timeout. The master
// side is network-driven: it processes each inbound cycle through the
// bound program and returns the result.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/netdsp/netdsp/pkg/codec"
)

// State of a streaming session.
type State int32

const (
	StateUnbound State = iota
	StateNegotiating
	StateSynchronizing
	StateStreaming
	StateDraining
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateNegotiating:
		return "negotiating"
	case StateSynchronizing:
		return "synchronizing"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Action is an error handler's verdict.
type Action int

const (
	// Continue keeps the session alive; it stays faulted and attempts
	// recovery on subsequent cycles.
	Continue Action = iota
	// Stop halts further compute invocations and drains the session.
	Stop
)

// Handler receives mid-stream errors. Creation-time failures are
// returned directly and never reach the handler.
//
// StreamError may be called from the audio callback goroutine; it must
// not block.
type Handler interface {
	StreamError(err error) Action
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(err error) Action

func (f HandlerFunc) StreamError(err error) Action { return f(err) }

// Default option values.
const (
	DefaultLatency     = 2
	DefaultMTU         = 1500
	DefaultCompression = -1 // raw float
)

// Options configures one session. The zero value means defaults: raw
// float encoding, latency 2 cycles, MTU 1500, full-cycle compute.
type Options struct {
	// IP and Port address the remote session endpoint (slave side
	// only).
	IP   string
	Port int

	// Compression selects the encoding: -1 raw float, -2 raw int,
	// > 0 opus at that many kbit/s. 0 means the default (raw float).
	Compression int

	// Latency is the number of cycles buffered before playback starts.
	Latency int

	// MTU bounds datagram size in bytes.
	MTU int

	// Partial permits Compute calls with fewer frames than the cycle
	// size; the session accumulates fractions into whole cycles.
	Partial bool
}

func (o Options) withDefaults() Options {
	if o.Compression == 0 {
		o.Compression = DefaultCompression
	}
	if o.Latency <= 0 {
		o.Latency = DefaultLatency
	}
	if o.MTU <= 0 {
		o.MTU = DefaultMTU
	}
	return o
}

// Params are the negotiated audio parameters of a session. Inputs and
// Outputs are channel counts seen from the program: the slave sends
// Inputs channels and receives Outputs channels back.
type Params struct {
	SampleRate int
	CycleSize  int
	Inputs     int
	Outputs    int
}

// CyclePeriod is the real-time duration of one cycle.
func (p Params) CyclePeriod() time.Duration {
	return time.Duration(p.CycleSize) * time.Second / time.Duration(p.SampleRate)
}

func (p Params) validate() error {
	if p.SampleRate <= 0 || p.CycleSize <= 0 || p.Inputs < 0 || p.Outputs < 0 {
		return fmt.Errorf("invalid session parameters %+v", p)
	}
	return nil
}

// hello is the handshake payload. The slave proposes, the master echoes
// on accept or sends a reject reason.
type hello struct {
	SampleRate  int  `json:"samplerate"`
	CycleSize   int  `json:"cyclesize"`
	Inputs      int  `json:"inputs"`
	Outputs     int  `json:"outputs"`
	Compression int  `json:"compression"`
	MTU         int  `json:"mtu"`
	Latency     int  `json:"latency"`
	Partial     bool `json:"partial"`
}

type reject struct {
	Reason string `json:"reason"`
}

func marshalHello(p Params, o Options) ([]byte, error) {
	return json.Marshal(hello{
		SampleRate:  p.SampleRate,
		CycleSize:   p.CycleSize,
		Inputs:      p.Inputs,
		Outputs:     p.Outputs,
		Compression: o.Compression,
		MTU:         o.MTU,
		Latency:     o.Latency,
		Partial:     o.Partial,
	})
}

// buildCodecs instantiates the per-direction codec pair for a
// negotiated session. Each direction gets its own instance because the
// compressed scheme is stateful.
func buildCodecs(p Params, o Options) (send, recv codec.Codec, err error) {
	scheme, kbits, err := codec.FromCompression(o.Compression)
	if err != nil {
		return nil, nil, err
	}
	send, err = codec.New(scheme, p.SampleRate, p.Inputs, p.CycleSize, kbits)
	if err != nil {
		return nil, nil, err
	}
	recv, err = codec.New(scheme, p.SampleRate, p.Outputs, p.CycleSize, kbits)
	if err != nil {
		return nil, nil, err
	}
	return send, recv, nil
}
