package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/netdsp/netdsp/pkg/frame"
	"github.com/netdsp/netdsp/pkg/protocol"
	"github.com/netdsp/netdsp/pkg/session"
)

// ErrorFunc receives an instance's mid-stream errors together with its
// running error count. The numbered class of err is available through
// protocol.ErrorCode. Returning session.Stop halts further Compute
// calls for the instance.
//
// Called from the audio goroutine; must not block.
type ErrorFunc func(err error, count int64) session.Action

// InstanceConfig shapes one instance and its streaming session.
type InstanceConfig struct {
	SampleRate int
	CycleSize  int

	// Compression, Latency, MTU, Partial as in session.Options; zero
	// values mean the session defaults.
	Compression int
	Latency     int
	MTU         int
	Partial     bool

	// OnError handles mid-stream failures. Optional.
	OnError ErrorFunc
}

// Instance is a running binding of one factory to a streaming session.
// Audio flows through Compute; teardown is Close. Not shareable across
// sessions.
type Instance struct {
	id      string
	client  *Client
	factory *Factory
	slave   *session.Slave

	errCount  atomic.Int64
	closeOnce sync.Once
}

// CreateInstance asks the server to run f and dials the streaming
// session it answers with. Failures here are creation-time errors
// (ErrFactoryNotFound, ErrInstanceNotCreated, ErrNetStreamNotStarted,
// ErrConnection); they are returned directly and never reach the error
// callback.
func (c *Client) CreateInstance(ctx context.Context, f *Factory, cfg InstanceConfig) (*Instance, error) {
	if cfg.SampleRate <= 0 || cfg.CycleSize <= 0 {
		return nil, fmt.Errorf("%w: invalid sampling rate %d or cycle size %d",
			protocol.ErrInstanceNotCreated, cfg.SampleRate, cfg.CycleSize)
	}

	var reply protocol.InstanceReply
	err := c.post(ctx, "/instances", protocol.InstanceRequest{
		SHAKey:      f.SHAKey(),
		SampleRate:  cfg.SampleRate,
		CycleSize:   cfg.CycleSize,
		Compression: cfg.Compression,
		MTU:         cfg.MTU,
		Latency:     cfg.Latency,
		Partial:     cfg.Partial,
	}, &reply)
	if err != nil {
		return nil, err
	}

	inst := &Instance{id: reply.ID, client: c, factory: f}

	var handler session.Handler
	if cfg.OnError != nil {
		fn := cfg.OnError
		handler = session.HandlerFunc(func(err error) session.Action {
			return fn(err, inst.errCount.Add(1))
		})
	} else {
		handler = session.HandlerFunc(func(error) session.Action {
			inst.errCount.Add(1)
			return session.Continue
		})
	}

	slave, err := session.Dial(session.Params{
		SampleRate: cfg.SampleRate,
		CycleSize:  cfg.CycleSize,
		Inputs:     f.NumInputs(),
		Outputs:    f.NumOutputs(),
	}, session.Options{
		IP:          c.host,
		Port:        reply.Port,
		Compression: cfg.Compression,
		Latency:     cfg.Latency,
		MTU:         cfg.MTU,
		Partial:     cfg.Partial,
	}, handler, c.logger)
	if err != nil {
		// The server-side session is orphaned; reap it.
		_ = c.del(context.WithoutCancel(ctx), "/instances/"+reply.ID)
		return nil, err
	}
	inst.slave = slave

	c.logger.Debug("instance created", "instance", reply.ID, "sha", f.SHAKey(), "port", reply.Port)
	return inst, nil
}

// ID returns the server-assigned instance identifier.
func (i *Instance) ID() string { return i.id }

// Factory returns the factory this instance runs.
func (i *Instance) Factory() *Factory { return i.factory }

// NumInputs returns the input channel count of the bound program.
func (i *Instance) NumInputs() int { return i.factory.NumInputs() }

// NumOutputs returns the output channel count of the bound program.
func (i *Instance) NumOutputs() int { return i.factory.NumOutputs() }

// ApplyMetadata forwards the factory's metadata to v in order.
func (i *Instance) ApplyMetadata(v protocol.MetaVisitor) error { return i.factory.ApplyMetadata(v) }

// ErrorCount reports the number of mid-stream errors seen so far.
func (i *Instance) ErrorCount() int64 { return i.errCount.Load() }

// Stopped reports whether the error callback halted the instance.
func (i *Instance) Stopped() bool { return i.slave.Stopped() }

// State reports the streaming session state.
func (i *Instance) State() session.State { return i.slave.State() }

// Compute exchanges count frames with the remote program. Call it at
// the audio driver's cadence; it never blocks on the network beyond
// the session's bounded timeout.
func (i *Instance) Compute(count int, in, out frame.Block) error {
	return i.slave.Compute(count, in, out)
}

// Close tears down the streaming session and deletes the remote
// instance. The factory's cache entry is untouched. Idempotent.
func (i *Instance) Close() error {
	var err error
	i.closeOnce.Do(func() {
		err = i.slave.Close()
		if derr := i.client.del(context.Background(), "/instances/"+i.id); derr != nil {
			// The master may already have reaped the session on bye.
			if !errors.Is(derr, protocol.ErrFactoryNotFound) {
				i.client.logger.Debug("instance delete failed", "instance", i.id, "err", derr)
			}
		}
	})
	return err
}
