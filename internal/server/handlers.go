package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cruciblehq/pyslim/internal"
	"github.com/cruciblehq/pyslim/internal/build"
	"github.com/cruciblehq/pyslim/internal/project"
	"github.com/cruciblehq/pyslim/internal/protocol"
)

// Handles a build command.
//
// Loads the project definition at the requested root, applies the request's
// overrides and runs the build against the engine. Builds of the same
// resource run one at a time.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	opts, err := buildOptions(req)
	if err != nil {
		s.respond(conn, protocol.CmdError, errorResult(err))
		return
	}

	release, err := s.acquire(ctx, opts.Resource)
	if err != nil {
		s.respond(conn, protocol.CmdError, errorResult(err))
		return
	}
	defer release()

	s.track(func() { s.active++ })
	result, err := build.Run(ctx, s.engine, opts)
	if err != nil {
		s.track(func() { s.active--; s.failures++ })
		slog.Error("build failed", "resource", opts.Resource, "error", err)
		s.respond(conn, protocol.CmdError, errorResult(err))
		return
	}
	s.track(func() { s.active--; s.builds++ })

	s.respond(conn, protocol.CmdOK, buildResult(result))
}

// Resolves a build request into build options.
func buildOptions(req *protocol.BuildRequest) (build.Options, error) {
	if !filepath.IsAbs(req.Root) {
		return build.Options{}, fmt.Errorf("%w: build root %q is not absolute", ErrServer, req.Root)
	}

	def, err := project.Load(req.Root, req.Definition)
	if err != nil {
		return build.Options{}, err
	}

	if req.Output != "" {
		def.Output = req.Output
		if !filepath.IsAbs(def.Output) {
			def.Output = filepath.Join(def.Root(), def.Output)
		}
	}
	if len(req.Platforms) > 0 {
		def.Platforms = req.Platforms
	}

	return def.BuildOptions()
}

// Converts a build result to its wire form.
func buildResult(r *build.Result) *protocol.BuildResult {
	stages := make([]protocol.StageStatus, len(r.Stages))
	for i, st := range r.Stages {
		stages[i] = protocol.StageStatus{
			Platform: st.Platform,
			Stage:    st.Stage,
			State:    st.State.String(),
		}
	}
	return &protocol.BuildResult{
		Output:   r.Output,
		Image:    r.Image,
		Archives: r.Archives,
		Inputs:   r.Inputs.String(),
		Stages:   stages,
	}
}

// Converts an error to its wire form, keeping the failure category and the
// failed stage.
func errorResult(err error) *protocol.ErrorResult {
	res := &protocol.ErrorResult{Message: err.Error()}

	switch {
	case errors.Is(err, build.ErrManifestResolution):
		res.Kind = protocol.KindManifestResolution
	case errors.Is(err, build.ErrMissingArtifact):
		res.Kind = protocol.KindMissingArtifact
	case errors.Is(err, build.ErrMissingSource):
		res.Kind = protocol.KindMissingSource
	}

	var stageErr *build.StageError
	if errors.As(err, &stageErr) {
		res.Stage = stageErr.Stage
	}

	return res
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	status := &protocol.StatusResult{
		Running:  true,
		Version:  internal.VersionString(),
		Pid:      os.Getpid(),
		Uptime:   time.Since(s.startedAt).Truncate(time.Second).String(),
		Builds:   s.builds,
		Failures: s.failures,
		Active:   s.active,
	}
	s.mu.Unlock()

	s.respond(conn, protocol.CmdOK, status)
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go s.Stop()
}

// Waits for the build slot of a resource and returns a function that
// releases it. Fails when ctx is done first.
func (s *Server) acquire(ctx context.Context, resource string) (func(), error) {
	s.mu.Lock()
	slot, ok := s.slots[resource]
	if !ok {
		slot = make(chan struct{}, 1)
		s.slots[resource] = slot
	}
	s.mu.Unlock()

	release := func() { <-slot }

	select {
	case slot <- struct{}{}:
		return release, nil
	default:
	}

	slog.Info("waiting for running build", "resource", resource)

	select {
	case slot <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for build of %s: %w", ErrServer, resource, ctx.Err())
	}
}

// Updates the build counters under the lock.
func (s *Server) track(update func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update()
}
