// Package compiler wraps the external DSP toolchain: the piece that
// turns expanded source into executable machine code, and the runtime
// that executes it. Both are collaborators behind interfaces; this
// module does not define the compiled instruction format.
package compiler

import (
	"context"

	"github.com/netdsp/netdsp/pkg/protocol"
	"github.com/netdsp/netdsp/pkg/session"
)

// Result is what a compilation produces: the opaque artifact plus its
// interface descriptor.
type Result struct {
	Code      []byte                `json:"code"`
	Inputs    int                   `json:"inputs"`
	Outputs   int                   `json:"outputs"`
	Libraries []string              `json:"libraries,omitempty"`
	Metadata  []protocol.MetaEntry  `json:"metadata,omitempty"`
}

// Compiler turns expanded source into a compiled artifact. A
// diagnostic from the toolchain is returned as *protocol.CompileError
// with the output preserved verbatim.
type Compiler interface {
	Compile(ctx context.Context, expanded string, args []string, optLevel int) (*Result, error)
}

// Engine instantiates a compiled artifact as a running cycle
// processor.
type Engine interface {
	Instantiate(ctx context.Context, desc *protocol.Descriptor, sampleRate, cycleSize int) (session.Processor, error)
}
