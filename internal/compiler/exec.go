package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/netdsp/netdsp/pkg/protocol"
)

// Exec invokes an external toolchain binary. The expanded source goes
// to stdin; the binary writes a JSON Result to stdout on success, or a
// diagnostic to stderr with a non-zero exit status on failure.
type Exec struct {
	path   string
	logger *slog.Logger
}

// NewExec wraps the toolchain binary at path.
func NewExec(path string, logger *slog.Logger) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{path: path, logger: logger.With(slog.String("compiler", path))}
}

// Compile runs one compilation. The caller's flags are passed through,
// followed by the clamped optimization level.
func (e *Exec) Compile(ctx context.Context, expanded string, args []string, optLevel int) (*Result, error) {
	argv := append(append([]string{}, args...), "-O", strconv.Itoa(protocol.ClampOptLevel(optLevel)))
	cmd := exec.CommandContext(ctx, e.path, argv...)
	cmd.Stdin = strings.NewReader(expanded)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("compiling", "args", argv, "sourcebytes", len(expanded))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		diag := strings.TrimSpace(stderr.String())
		if diag == "" {
			diag = err.Error()
		}
		return nil, &protocol.CompileError{Output: diag}
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("toolchain produced unreadable output: %w", err)
	}
	return &res, nil
}
