package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/cruciblehq/cruxflow/internal"
	"github.com/cruciblehq/cruxflow/internal/build"
	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/protocol"
	"github.com/cruciblehq/cruxflow/pipeline"
)

// Handles a build command.
//
// Opens a session for the build, runs the recipe and closes the session
// before responding, so the cache index is released for the next build.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	if req.Recipe == nil {
		s.fail(conn, errdefs.Wrapf(protocol.ErrProtocol, "build request has no recipe"))
		return
	}
	if err := req.Recipe.Validate(); err != nil {
		s.fail(conn, errdefs.Wrap(errdefs.ErrInvalidOperation, err))
		return
	}

	release, err := s.acquire(ctx)
	if err != nil {
		s.fail(conn, err)
		return
	}
	defer release()

	start := time.Now()
	result, err := s.build(ctx, req)
	s.record(err)
	if err != nil {
		slog.Error("build failed", "output", req.Output, "error", err)
		s.fail(conn, err)
		return
	}

	duration := time.Since(start).Truncate(time.Millisecond)
	slog.Info("build finished", "output", result.Output, "images", len(result.Images), "duration", duration)

	s.respond(conn, protocol.CmdOK, &protocol.BuildResult{
		Output:   result.Output,
		Images:   result.Images,
		Duration: duration.String(),
	})
}

// Runs a build request in a fresh session.
func (s *Server) build(ctx context.Context, req *protocol.BuildRequest) (_ *build.Result, err error) {
	opts := append(append([]pipeline.Option{}, s.session...),
		pipeline.WithDataDir(s.dataDir),
		pipeline.WithMetrics(s.metrics),
	)
	sess, err := pipeline.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return build.Run(ctx, sess, build.Options{
		Recipe:    req.Recipe,
		Output:    req.Output,
		Root:      req.Root,
		Tag:       req.Tag,
		Platforms: req.Platforms,
	})
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	builds, failures, active := s.builds, s.failures, s.active
	s.mu.Unlock()

	uptime := time.Since(s.startedAt).Truncate(time.Second)

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running:  true,
		Version:  internal.VersionString(),
		Pid:      os.Getpid(),
		Uptime:   uptime.String(),
		DataDir:  s.dataDir,
		Builds:   builds,
		Failures: failures,
		Active:   active,
	})
}

// Handles a prune command.
//
// Waits for a running build to finish, since the build session holds the
// cache index.
func (s *Server) handlePrune(ctx context.Context, conn net.Conn) {
	release, err := s.acquire(ctx)
	if err != nil {
		s.fail(conn, err)
		return
	}
	defer release()

	stats, err := pipeline.Prune(ctx, s.dataDir)
	if err != nil {
		slog.Error("prune failed", "error", err)
		s.fail(conn, err)
		return
	}

	slog.Info("prune finished", "removed", stats.Removed, "bytes", stats.RemovedBytes)

	s.respond(conn, protocol.CmdOK, &protocol.PruneResult{
		Records:      stats.Records,
		Dropped:      stats.Dropped,
		Blobs:        stats.Blobs,
		Removed:      stats.Removed,
		RemovedBytes: stats.RemovedBytes,
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}

// Takes the work token, waiting for the current build or prune to finish.
// The returned function gives the token back.
func (s *Server) acquire(ctx context.Context) (func(), error) {
	select {
	case s.work <- struct{}{}:
	case <-ctx.Done():
		return nil, errdefs.FromContext(ctx.Err())
	}

	s.mu.Lock()
	s.active = true
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		<-s.work
	}, nil
}

// Counts a finished build.
func (s *Server) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failures++
	} else {
		s.builds++
	}
}
