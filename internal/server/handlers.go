package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/netdsp/netdsp/pkg/protocol"
)

func (s *Server) requestLogger(r *http.Request) *slog.Logger {
	return s.logger.WithGroup("request").With(
		"requestUUID", uuid.New().String(),
		"method", r.Method,
		"path", r.URL.Path,
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, protocol.ErrorReply{Error: fmt.Sprintf(format, args...)})
}

// withoutCode strips the opaque payload from a descriptor before it
// goes on the wire; clients only need the interface description.
func withoutCode(d *protocol.Descriptor) *protocol.Descriptor {
	out := *d
	out.Code = nil
	return &out
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.listFactories())
}

// handleLookup is a pure read: it never triggers compilation.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	sha := r.PathValue("sha")
	handle, ok := s.cfg.Cache.Lookup(sha)
	if !ok {
		writeError(w, http.StatusNotFound, "factory %s not found", sha)
		return
	}
	desc, err := handle.Descriptor()
	if err != nil {
		writeError(w, http.StatusNotFound, "factory %s not found", sha)
		return
	}
	writeJSON(w, http.StatusOK, withoutCode(desc))
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)

	var req protocol.CompileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("undecodable compile request", "err", err)
		writeError(w, http.StatusBadRequest, "malformed request: %v", err)
		return
	}

	source := req.Source
	if source == "" && req.Filename != "" {
		data, err := os.ReadFile(req.Filename)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cannot read %s: %v", req.Filename, err)
			return
		}
		source = string(data)
	}
	if source == "" {
		writeError(w, http.StatusBadRequest, "neither source nor filename given")
		return
	}

	expanded, libs, err := protocol.Expand(source, s.cfg.Resolver)
	if err != nil {
		writeError(w, http.StatusBadRequest, "expansion failed: %v", err)
		return
	}
	sha := protocol.SHAKey(expanded)
	logger = logger.With("sha", sha, "name", req.Name)

	handle, err := s.cfg.Cache.GetOrCompile(r.Context(), sha, func(ctx context.Context) (*protocol.Descriptor, error) {
		res, err := s.cfg.Compiler.Compile(ctx, expanded, req.Args, req.OptLevel)
		if err != nil {
			return nil, err
		}
		libraries := res.Libraries
		if len(libraries) == 0 {
			libraries = libs
		}
		return &protocol.Descriptor{
			SHAKey:    sha,
			Name:      req.Name,
			Inputs:    res.Inputs,
			Outputs:   res.Outputs,
			Libraries: libraries,
			Metadata:  res.Metadata,
			Code:      res.Code,
		}, nil
	})
	if err != nil {
		var ce *protocol.CompileError
		if errors.As(err, &ce) {
			logger.Info("compilation rejected", "diagnostic", ce.Output)
			writeError(w, http.StatusBadRequest, "%s", ce.Output)
			return
		}
		logger.Error("compilation failed", "err", err)
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}

	desc, err := handle.Descriptor()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	logger.Debug("compile served")
	writeJSON(w, http.StatusOK, withoutCode(desc))
}

// handleMachine stores a client-side cross-compiled artifact. A target
// this server cannot execute is a submission-time validation error,
// never a runtime crash.
func (s *Server) handleMachine(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)

	var req protocol.MachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: %v", err)
		return
	}
	if req.Target == "" || req.Target != s.cfg.NativeTarget {
		logger.Info("cross-compiled target rejected", "target", req.Target, "native", s.cfg.NativeTarget)
		writeError(w, http.StatusBadRequest,
			"machine target %q not executable on this server (native target %q)", req.Target, s.cfg.NativeTarget)
		return
	}
	if req.ExpandedSource == "" || len(req.Code) == 0 {
		writeError(w, http.StatusBadRequest, "machine submission needs expanded source and code")
		return
	}

	sha := protocol.SHAKey(req.ExpandedSource)
	handle := s.cfg.Cache.Insert(&protocol.Descriptor{
		SHAKey:    sha,
		Name:      req.Name,
		Inputs:    req.Inputs,
		Outputs:   req.Outputs,
		Libraries: req.Libraries,
		Metadata:  req.Metadata,
		Code:      req.Code,
		Target:    req.Target,
	})
	desc, err := handle.Descriptor()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	logger.Debug("machine artifact stored", "sha", sha, "target", req.Target)
	writeJSON(w, http.StatusOK, withoutCode(desc))
}

func (s *Server) handleDeleteOne(w http.ResponseWriter, r *http.Request) {
	sha := r.PathValue("sha")
	handle, ok := s.cfg.Cache.Lookup(sha)
	if !ok {
		writeError(w, http.StatusNotFound, "factory %s not found", sha)
		return
	}
	if err := s.cfg.Cache.Delete(handle); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	s.logger.Debug("factory deleted", "sha", sha)
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteAll invalidates the whole cache. Destructive: every
// handle issued before this call is dangling afterwards.
func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	s.cfg.Cache.DeleteAll()
	s.logger.Info("factory cache invalidated")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)

	var req protocol.InstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: %v", err)
		return
	}
	if req.SampleRate <= 0 || req.CycleSize <= 0 {
		writeError(w, http.StatusBadRequest, "invalid sampling rate %d or cycle size %d", req.SampleRate, req.CycleSize)
		return
	}

	reply, err := s.createInstance(req)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrFactoryNotFound):
			writeError(w, http.StatusNotFound, "%v", err)
		default:
			logger.Error("instance creation failed", "err", err)
			writeError(w, http.StatusInternalServerError, "%v", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed instance id: %v", err)
		return
	}
	if err := s.deleteInstance(id); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
