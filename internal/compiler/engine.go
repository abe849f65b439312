package compiler

import (
	"context"

	"github.com/netdsp/netdsp/pkg/frame"
	"github.com/netdsp/netdsp/pkg/protocol"
	"github.com/netdsp/netdsp/pkg/session"
)

// PassthroughCompiler accepts any program and stores the expanded
// source itself as the artifact, describing it as a stereo identity.
// The no-toolchain companion of PassthroughEngine.
type PassthroughCompiler struct{}

func (PassthroughCompiler) Compile(_ context.Context, expanded string, _ []string, _ int) (*Result, error) {
	return &Result{Code: []byte(expanded), Inputs: 2, Outputs: 2}, nil
}

// PassthroughEngine copies inputs to outputs channel by channel,
// silencing outputs with no matching input. It stands in wherever a
// real execution runtime is not wired: handshakes, streaming and
// lifecycle behave exactly as with a real engine, only the processed
// audio is the identity.
type PassthroughEngine struct{}

func (PassthroughEngine) Instantiate(_ context.Context, _ *protocol.Descriptor, _, _ int) (session.Processor, error) {
	return session.ProcessorFunc(func(in, out frame.Block) error {
		for ch := range out {
			if ch < len(in) {
				copy(out[ch], in[ch])
			} else {
				clear(out[ch])
			}
		}
		return nil
	}), nil
}
