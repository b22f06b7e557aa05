package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cruciblehq/cruxflow/internal"
	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/metrics"
	"github.com/cruciblehq/cruxflow/internal/paths"
	"github.com/cruciblehq/cruxflow/internal/protocol"
	"github.com/cruciblehq/cruxflow/pipeline"
)

const (

	// Group name used to grant socket access. Members of this group can
	// connect to the daemon socket without owning the process.
	socketGroup = internal.Name

	// File mode applied to the Unix socket. Owner and group get read-write
	// (required for connect); others get no access.
	socketMode = 0660

	// Time given to the metrics endpoint to finish in-flight scrapes.
	metricsShutdownTimeout = 5 * time.Second
)

// Holds server configuration.
type Config struct {
	SocketPath     string            // Override for the Unix socket path. Empty uses the default.
	PIDFile        string            // Override for the PID file. Empty uses the default.
	DataDir        string            // Directory holding the store and the cache index. Empty uses the default.
	MetricsAddress string            // TCP address serving /metrics. Empty disables the endpoint.
	Session        []pipeline.Option // Options applied to every build session.
}

// Listens on a Unix domain socket and dispatches commands.
type Server struct {
	socketPath  string            // Path to the Unix socket file.
	pidFile     string            // Path to the PID file.
	dataDir     string            // Directory holding persistent engine state.
	metricsAddr string            // Address of the metrics endpoint.
	session     []pipeline.Option // Options for build sessions.
	metrics     *metrics.Metrics  // Collectors shared by every session.
	listener    net.Listener      // Listener for incoming connections.
	http        *http.Server      // Metrics endpoint, nil when disabled.
	startedAt   time.Time         // Timestamp when the server started.
	done        chan struct{}     // Channel to signal server shutdown.
	stopOnce    sync.Once         // Guards Stop.
	work        chan struct{}     // Token serialising builds and prunes.
	mu          sync.Mutex        // Mutex to protect the counters below.
	builds      int               // Builds completed successfully.
	failures    int               // Builds that failed.
	active      bool              // Whether a build or prune holds work.
}

// Creates a new server instance.
//
// The socket is not opened until [Start] is called.
func New(cfg Config) (*Server, error) {
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = paths.Socket()
	}

	pidFile := cfg.PIDFile
	if pidFile == "" {
		pidFile = paths.PIDFile()
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = paths.Data()
	}
	if err := os.MkdirAll(dataDir, paths.DefaultDirMode); err != nil {
		return nil, errdefs.Wrap(ErrServer, err)
	}

	return &Server{
		socketPath:  socketPath,
		pidFile:     pidFile,
		dataDir:     dataDir,
		metricsAddr: cfg.MetricsAddress,
		session:     cfg.Session,
		metrics:     metrics.New(),
		done:        make(chan struct{}),
		work:        make(chan struct{}, 1),
	}, nil
}

// Opens the Unix socket and begins accepting connections.
func (s *Server) Start() error {
	listener, err := listen(s.socketPath)
	if err != nil {
		return err
	}

	if s.metricsAddr != "" {
		if err := s.serveMetrics(); err != nil {
			listener.Close()
			return err
		}
	}

	s.listener = listener
	s.startedAt = time.Now()

	if err := writePID(s.pidFile); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}

	slog.Info("server listening on socket", "path", s.socketPath, "data", s.dataDir)

	go s.accept()
	return nil
}

// Creates the Unix socket listener, removes any stale socket from a previous
// run, and applies permissions.
func listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), paths.DefaultDirMode); err != nil {
		return nil, errdefs.Wrap(ErrServer, err)
	}

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errdefs.Wrapf(ErrServer, "failed to listen on %s: %w", socketPath, err)
	}

	if err := setSocketPermissions(socketPath); err != nil {
		listener.Close()
		return nil, err
	}

	return listener, nil
}

// Restricts socket access to owner and group. The daemon does not run as
// root; any user in the cruxflow group can also connect.
func setSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, socketMode); err != nil {
		return errdefs.Wrapf(ErrServer, "failed to chmod socket %s: %w", socketPath, err)
	}

	if g, err := user.LookupGroup(socketGroup); err == nil {
		if gid, err := strconv.Atoi(g.Gid); err == nil {
			if err := os.Chown(socketPath, -1, gid); err != nil {
				slog.Warn("failed to chgrp socket", "group", socketGroup, "error", err)
			}
		}
	} else {
		slog.Debug("socket group not found, socket accessible to owner only", "group", socketGroup)
	}

	return nil
}

// Serves the collectors at /metrics.
func (s *Server) serveMetrics() error {
	ln, err := net.Listen("tcp", s.metricsAddr)
	if err != nil {
		return errdefs.Wrapf(ErrServer, "failed to listen on %s: %w", s.metricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	slog.Info("serving metrics", "address", ln.Addr().String())

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics endpoint failed", "error", err)
		}
	}()
	return nil
}

// Shuts down the server and cleans up resources. Calling Stop more than
// once is a no-op.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)

		if s.listener != nil {
			s.listener.Close()
		}

		if s.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			s.http.Shutdown(ctx)
		}

		os.Remove(s.socketPath)
		os.Remove(s.pidFile)
	})
	return nil
}

// Blocks until the server stops.
func (s *Server) Wait() {
	<-s.done
}

// Returns the collectors shared by build sessions.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Accepts connections in a loop until the server shuts down.
func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		go s.handle(conn)
	}
}

// Processes a single connection.
//
// Reads one newline-delimited JSON message, dispatches the command, and
// writes the response. The connection is closed after one exchange.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	line, err := reader.ReadBytes('\n')
	if err != nil {
		slog.Error("read error", "error", err)
		return
	}

	env, payload, err := protocol.Decode(line)
	if err != nil {
		s.fail(conn, err)
		return
	}

	slog.Info("command received", "command", env.Command)

	ctx, cancel := contextWithDisconnect(context.Background(), reader)
	defer cancel()

	s.dispatch(ctx, conn, env.Command, payload)
}

// Routes a command to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, cmd protocol.Command, payload json.RawMessage) {
	switch cmd {
	case protocol.CmdBuild:
		s.handleBuild(ctx, conn, payload)
	case protocol.CmdStatus:
		s.handleStatus(conn)
	case protocol.CmdPrune:
		s.handlePrune(ctx, conn)
	case protocol.CmdShutdown:
		s.handleShutdown(conn)
	default:
		s.fail(conn, errdefs.Wrapf(protocol.ErrProtocol, "unknown command: %s", cmd))
	}
}

// Writes a JSON envelope response to the connection.
func (s *Server) respond(conn net.Conn, cmd protocol.Command, payload any) {
	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		slog.Error("encode response failed", "error", err)
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}

// Writes an error response.
func (s *Server) fail(conn net.Conn, err error) {
	s.respond(conn, protocol.CmdError, protocol.NewErrorResult(err))
}

// Writes the daemon PID to the PID file so the CLI can detect whether the
// daemon is already running and send it signals.
func writePID(pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), paths.DefaultDirMode); err != nil {
		return err
	}
	return os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), paths.DefaultFileMode)
}

// Returns a derived context that is cancelled when the remote end of the
// connection closes.
//
// Detection works by reading from r in a background goroutine. The read blocks
// until the peer closes the connection, at which point it returns an error and
// the derived context is cancelled. The caller must ensure that no further data
// is expected on r for the lifetime of the returned context. If data arrives
// unexpectedly, it will be discarded and the context will be cancelled
// prematurely. The returned [context.CancelFunc] must always be called to
// release resources, even if the connection closes on its own.
func contextWithDisconnect(parent context.Context, r io.Reader) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		buf := make([]byte, 1)
		r.Read(buf)
		cancel()
	}()

	return ctx, cancel
}
