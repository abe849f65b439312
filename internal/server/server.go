// Package server implements the compilation service: the HTTP surface
// clients compile against, the factory cache behind it, and the master
// streaming sessions serving remote instances.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/netdsp/netdsp/internal/compiler"
	"github.com/netdsp/netdsp/pkg/cache"
	"github.com/netdsp/netdsp/pkg/protocol"
	"github.com/netdsp/netdsp/pkg/session"
)

// Config wires a server's collaborators.
type Config struct {
	// Name identifies this machine in discovery replies.
	Name string

	// Cache is the factory store. Required.
	Cache *cache.Cache

	// Compiler is the toolchain collaborator. Required.
	Compiler compiler.Compiler

	// Engine instantiates compiled artifacts for streaming. Required.
	Engine compiler.Engine

	// Resolver resolves library includes during expansion. Required.
	Resolver protocol.Resolver

	// NativeTarget is the machine triple this server can execute.
	// Cross-compiled submissions for any other target are rejected.
	NativeTarget string

	// PortMin/PortMax bound the UDP port range for streaming sessions.
	PortMin int
	PortMax int

	Logger *slog.Logger
}

type instance struct {
	id     uuid.UUID
	handle *cache.Handle
	cancel context.CancelFunc
	done   chan struct{}
}

// Server handles compilation requests and spawns one master session
// per instance. Compilation requests run on the HTTP server's
// per-request goroutines and are serialized per content hash by the
// cache; established sessions run on their own goroutines, so a slow
// compilation never stalls an active stream.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	instances map[uuid.UUID]*instance
	wg        sync.WaitGroup
	closed    bool
}

// New builds a server from its configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Cache == nil || cfg.Compiler == nil || cfg.Engine == nil || cfg.Resolver == nil {
		return nil, fmt.Errorf("server: cache, compiler, engine and resolver are all required")
	}
	if cfg.PortMin <= 0 || cfg.PortMax < cfg.PortMin {
		return nil, fmt.Errorf("server: invalid session port range %d-%d", cfg.PortMin, cfg.PortMax)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		logger:    logger.WithGroup("server"),
		instances: map[uuid.UUID]*instance{},
	}, nil
}

// Handler returns the HTTP surface of the compilation protocol.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /factories", s.handleList)
	mux.HandleFunc("GET /factories/{sha}", s.handleLookup)
	mux.HandleFunc("POST /compile", s.handleCompile)
	mux.HandleFunc("POST /machine", s.handleMachine)
	mux.HandleFunc("DELETE /factories/{sha}", s.handleDeleteOne)
	mux.HandleFunc("DELETE /factories", s.handleDeleteAll)
	mux.HandleFunc("POST /instances", s.handleCreateInstance)
	mux.HandleFunc("DELETE /instances/{id}", s.handleDeleteInstance)
	return mux
}

// Close tears down every live instance and waits for their sessions.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for _, inst := range s.instances {
		inst.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// createInstance binds a factory to a fresh master session and returns
// its id and UDP port.
func (s *Server) createInstance(req protocol.InstanceRequest) (*protocol.InstanceReply, error) {
	handle, ok := s.cfg.Cache.Lookup(req.SHAKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrFactoryNotFound, req.SHAKey)
	}
	desc, err := handle.Descriptor()
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Cache.Retain(handle); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	fail := func(err error) (*protocol.InstanceReply, error) {
		cancel()
		s.cfg.Cache.Release(handle)
		return nil, err
	}

	proc, err := s.cfg.Engine.Instantiate(ctx, desc, req.SampleRate, req.CycleSize)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", protocol.ErrInstanceNotCreated, err))
	}
	conn, err := s.allocSessionSocket()
	if err != nil {
		return fail(fmt.Errorf("%w: %w", protocol.ErrInstanceNotCreated, err))
	}

	params := session.Params{
		SampleRate: req.SampleRate,
		CycleSize:  req.CycleSize,
		Inputs:     desc.Inputs,
		Outputs:    desc.Outputs,
	}
	master, err := session.NewMaster(conn, params, proc, s.logger)
	if err != nil {
		conn.Close()
		return fail(fmt.Errorf("%w: %w", protocol.ErrInstanceNotCreated, err))
	}

	inst := &instance{
		id:     uuid.New(),
		handle: handle,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return fail(fmt.Errorf("%w: server shutting down", protocol.ErrInstanceNotCreated))
	}
	s.instances[inst.id] = inst
	s.wg.Add(1)
	s.mu.Unlock()

	port := conn.LocalAddr().(*net.UDPAddr).Port
	go func() {
		defer s.wg.Done()
		defer close(inst.done)
		if err := master.Run(ctx); err != nil {
			s.logger.Info("session ended", "instance", inst.id, "err", err)
		}
		s.mu.Lock()
		delete(s.instances, inst.id)
		s.mu.Unlock()
		s.cfg.Cache.Release(handle)
	}()

	s.logger.Debug("instance created",
		"instance", inst.id,
		"sha", req.SHAKey,
		"port", port,
		"samplerate", req.SampleRate,
		"cyclesize", req.CycleSize,
	)
	return &protocol.InstanceReply{ID: inst.id.String(), Port: port}, nil
}

// deleteInstance cancels a session and waits for its goroutine; the
// factory entry itself is untouched beyond dropping the reference.
func (s *Server) deleteInstance(id uuid.UUID) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	inst.cancel()
	<-inst.done
	return nil
}

// allocSessionSocket binds the first free UDP port in the configured
// range.
func (s *Server) allocSessionSocket() (*net.UDPConn, error) {
	for port := s.cfg.PortMin; port <= s.cfg.PortMax; port++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("no free session port in %d-%d", s.cfg.PortMin, s.cfg.PortMax)
}

// listFactories snapshots the cache, ordered by name for stable
// listings.
func (s *Server) listFactories() []protocol.FactoryInfo {
	infos := s.cfg.Cache.List()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].SHAKey < infos[j].SHAKey
	})
	return infos
}
