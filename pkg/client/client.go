// Package client is the public API against one compilation server:
// factory lookup, compilation and deletion, plus instance creation
// with live audio streaming.
//
// The client keeps a local descriptor cache keyed by the same content
// hash the server uses. Source is expanded locally when the library
// path allows it, so recompiling an already-known program never leaves
// the process.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/netdsp/netdsp/pkg/cache"
	"github.com/netdsp/netdsp/pkg/protocol"
)

// MachineArtifact is the product of a client-side cross compilation.
type MachineArtifact struct {
	Code      []byte
	Inputs    int
	Outputs   int
	Libraries []string
	Metadata  []protocol.MetaEntry
}

// CrossCompiler produces machine code for a foreign target locally.
// Required only when compile arguments carry a "machine <triple>"
// directive.
type CrossCompiler interface {
	CrossCompile(ctx context.Context, expanded, target string, args []string, optLevel int) (*MachineArtifact, error)
}

// Config tunes a client. The zero value works against a reachable
// server with inline (include-free) sources.
type Config struct {
	// Timeout bounds each HTTP exchange. Zero means 30 seconds,
	// generous because a cold compile can be slow.
	Timeout time.Duration

	// LibraryPath lists directories searched for include resolution
	// during local expansion.
	LibraryPath []string

	// Cross handles "machine <triple>" compile directives. Optional.
	Cross CrossCompiler

	Logger *slog.Logger
}

// Client talks to one compilation server. Safe for concurrent use.
// Compile and discovery calls are synchronous; never issue them from
// an audio callback.
type Client struct {
	host   string
	base   string
	http   *http.Client
	cache  *cache.Cache
	cfg    Config
	logger *slog.Logger
}

// New returns a client bound to the server at ip:port.
func New(ip string, port int, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	return &Client{
		host:   ip,
		base:   "http://" + addr,
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  cache.New(),
		cfg:    cfg,
		logger: logger.With(slog.String("server", addr)),
	}
}

// Factory is a local handle on a compiled artifact. Channel counts are
// creation-time facts and always available; dependency and metadata
// access goes through the cache and fails with ErrFactoryNotFound once
// the handle dangles (after DeleteAll).
type Factory struct {
	handle  *cache.Handle
	name    string
	inputs  int
	outputs int
}

// SHAKey returns the content hash identifying this factory.
func (f *Factory) SHAKey() string { return f.handle.SHAKey() }

// Name returns the application name the factory was compiled under.
func (f *Factory) Name() string { return f.name }

// NumInputs returns the program's input channel count.
func (f *Factory) NumInputs() int { return f.inputs }

// NumOutputs returns the program's output channel count.
func (f *Factory) NumOutputs() int { return f.outputs }

// Libraries returns the ordered library dependency list.
func (f *Factory) Libraries() ([]string, error) { return f.handle.Libraries() }

// ApplyMetadata calls v once per metadata entry in factory order.
func (f *Factory) ApplyMetadata(v protocol.MetaVisitor) error { return f.handle.ApplyMetadata(v) }

func (c *Client) factoryFrom(desc *protocol.Descriptor) *Factory {
	return &Factory{
		handle:  c.cache.Insert(desc),
		name:    desc.Name,
		inputs:  desc.Inputs,
		outputs: desc.Outputs,
	}
}

// LookupFactory resolves an existing factory by hash, locally first,
// then on the server. It never triggers compilation.
func (c *Client) LookupFactory(ctx context.Context, sha string) (*Factory, error) {
	if h, ok := c.cache.Lookup(sha); ok {
		if desc, err := h.Descriptor(); err == nil {
			return c.factoryFrom(desc), nil
		}
	}
	var desc protocol.Descriptor
	if err := c.get(ctx, "/factories/"+sha, &desc); err != nil {
		return nil, err
	}
	return c.factoryFrom(&desc), nil
}

// CompileFactory compiles source under name and returns the factory
// handle. An entry already cached for the same effective program is
// returned without contacting the server. Compiler diagnostics come
// back verbatim as a CompileError.
//
// Arguments may carry a "machine <triple>" directive; the program is
// then cross-compiled locally and the artifact shipped instead of
// source.
func (c *Client) CompileFactory(ctx context.Context, name, source string, args []string, optLevel int) (*Factory, error) {
	target, args := splitMachineTarget(args)
	if target != "" {
		return c.compileMachine(ctx, name, source, target, args, optLevel)
	}

	// A successful local expansion gives us the cache key before any
	// network round trip.
	expanded, _, err := protocol.Expand(source, protocol.PathResolver(c.cfg.LibraryPath))
	if err == nil {
		sha := protocol.SHAKey(expanded)
		if h, ok := c.cache.Lookup(sha); ok {
			if desc, derr := h.Descriptor(); derr == nil {
				c.logger.Debug("compile served from local cache", "sha", sha)
				return c.factoryFrom(desc), nil
			}
		}
	}

	var desc protocol.Descriptor
	err = c.post(ctx, "/compile", protocol.CompileRequest{
		Name:     name,
		Source:   source,
		Args:     args,
		OptLevel: optLevel,
	}, &desc)
	if err != nil {
		return nil, err
	}
	return c.factoryFrom(&desc), nil
}

// CompileFactoryFromFile reads the program from path and compiles it.
func (c *Client) CompileFactoryFromFile(ctx context.Context, name, path string, args []string, optLevel int) (*Factory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return c.CompileFactory(ctx, name, string(data), args, optLevel)
}

// compileMachine runs the local cross toolchain and submits the
// artifact. The server stores it as-is; it only checks it can execute
// the target.
func (c *Client) compileMachine(ctx context.Context, name, source, target string, args []string, optLevel int) (*Factory, error) {
	if c.cfg.Cross == nil {
		return nil, fmt.Errorf("machine target %q requested but no cross compiler configured", target)
	}
	expanded, libs, err := protocol.Expand(source, protocol.PathResolver(c.cfg.LibraryPath))
	if err != nil {
		return nil, fmt.Errorf("expanding for machine target %q: %w", target, err)
	}
	art, err := c.cfg.Cross.CrossCompile(ctx, expanded, target, args, protocol.ClampOptLevel(optLevel))
	if err != nil {
		return nil, err
	}
	libraries := art.Libraries
	if len(libraries) == 0 {
		libraries = libs
	}
	var desc protocol.Descriptor
	err = c.post(ctx, "/machine", protocol.MachineRequest{
		Name:           name,
		Target:         target,
		ExpandedSource: expanded,
		Code:           art.Code,
		Inputs:         art.Inputs,
		Outputs:        art.Outputs,
		Libraries:      libraries,
		Metadata:       art.Metadata,
	}, &desc)
	if err != nil {
		return nil, err
	}
	return c.factoryFrom(&desc), nil
}

// DeleteFactory removes the factory on the server and locally. Live
// instances elsewhere keep streaming on their bound reference.
func (c *Client) DeleteFactory(ctx context.Context, f *Factory) error {
	if err := c.del(ctx, "/factories/"+f.SHAKey()); err != nil {
		return err
	}
	if h, ok := c.cache.Lookup(f.SHAKey()); ok {
		_ = c.cache.Delete(h)
	}
	return nil
}

// DeleteAll purges the server's whole factory cache and the local one.
// Destructive: every factory handle obtained before this call is
// dangling afterwards.
func (c *Client) DeleteAll(ctx context.Context) error {
	if err := c.del(ctx, "/factories"); err != nil {
		return err
	}
	c.cache.DeleteAll()
	return nil
}

// ListFactories snapshots the server's factory listing.
func (c *Client) ListFactories(ctx context.Context) ([]protocol.FactoryInfo, error) {
	var infos []protocol.FactoryInfo
	if err := c.get(ctx, "/factories", &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// splitMachineTarget extracts a "machine <triple>" directive from the
// argument vector.
func splitMachineTarget(args []string) (target string, rest []string) {
	for i := 0; i < len(args); i++ {
		if args[i] == "machine" && i+1 < len(args) {
			return args[i+1], append(append([]string{}, args[:i]...), args[i+2:]...)
		}
	}
	return "", args
}

// ---------------------------------------------------------------------
// HTTP plumbing. Transport failures map to ErrConnection; a 404 maps
// to ErrFactoryNotFound; a compile rejection comes back as a
// CompileError.
// ---------------------------------------------------------------------

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) del(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrConnection, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", protocol.ErrFactoryNotFound, errorBody(resp.Body))
	case resp.StatusCode == http.StatusBadRequest && req.URL.Path == "/compile":
		return &protocol.CompileError{Output: errorBody(resp.Body)}
	case resp.StatusCode >= 300:
		return fmt.Errorf("server returned %s: %s", resp.Status, errorBody(resp.Body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: unreadable response: %w", protocol.ErrConnection, err)
	}
	return nil
}

func errorBody(r io.Reader) string {
	var reply protocol.ErrorReply
	if err := json.NewDecoder(r).Decode(&reply); err != nil || reply.Error == "" {
		return "no detail"
	}
	return reply.Error
}
