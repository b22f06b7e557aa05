package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/internal/protocol"
	"github.com/cruciblehq/cruxflow/internal/recipe"
	"github.com/cruciblehq/cruxflow/internal/testutil"
	"github.com/cruciblehq/cruxflow/pipeline"
)

type testServer struct {
	*Server
	socket  string
	sandbox *testutil.Sandbox
}

func startServer(t *testing.T) *testServer {
	t.Helper()

	// Unix socket paths are limited in length, so avoid t.TempDir.
	run, err := os.MkdirTemp("", "cruxflow")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(run) })

	sb := testutil.NewSandbox()
	srv, err := New(Config{
		SocketPath: filepath.Join(run, "s.sock"),
		PIDFile:    filepath.Join(run, "s.pid"),
		DataDir:    t.TempDir(),
		Session: []pipeline.Option{
			pipeline.WithSandbox(sb),
			pipeline.WithPuller(testutil.NewPuller(map[string]testutil.Image{
				"alpine:latest": {Files: map[string]string{"etc/alpine-release": "3.20.0\n"}},
			})),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &testServer{Server: srv, socket: srv.socketPath, sandbox: sb}
}

func (ts *testServer) status(t *testing.T) protocol.StatusResult {
	t.Helper()
	var res protocol.StatusResult
	if err := protocol.Call(context.Background(), ts.socket, protocol.CmdStatus, nil, &res); err != nil {
		t.Fatalf("status: %v", err)
	}
	return res
}

func buildRequest(t *testing.T, run string) *protocol.BuildRequest {
	t.Helper()
	return &protocol.BuildRequest{
		Recipe: &recipe.Recipe{Stages: []recipe.Stage{{
			From:  "alpine:latest",
			Steps: []recipe.Step{{Run: run}},
		}}},
		Output:    filepath.Join(t.TempDir(), "dist"),
		Root:      t.TempDir(),
		Platforms: []string{"linux/amd64"},
	}
}

func TestStatus(t *testing.T) {
	ts := startServer(t)

	res := ts.status(t)
	if !res.Running {
		t.Error("daemon does not report running")
	}
	if res.Pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", res.Pid, os.Getpid())
	}
	if res.DataDir != ts.dataDir {
		t.Errorf("data dir = %q, want %q", res.DataDir, ts.dataDir)
	}
	if res.Builds != 0 || res.Active {
		t.Errorf("unexpected activity: %+v", res)
	}
}

func TestPIDFile(t *testing.T) {
	ts := startServer(t)

	data, err := os.ReadFile(ts.pidFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file = %q", data)
	}
}

func TestBuild(t *testing.T) {
	ts := startServer(t)
	req := buildRequest(t, "write /hello hi")

	var res protocol.BuildResult
	if err := protocol.Call(context.Background(), ts.socket, protocol.CmdBuild, req, &res); err != nil {
		t.Fatalf("build: %v", err)
	}
	if res.Output != req.Output {
		t.Errorf("output = %q, want %q", res.Output, req.Output)
	}
	if len(res.Images) != 1 {
		t.Fatalf("images = %v, want one", res.Images)
	}
	if _, err := os.Stat(res.Images[0]); err != nil {
		t.Fatalf("image archive: %v", err)
	}
	if got := ts.status(t).Builds; got != 1 {
		t.Fatalf("builds = %d, want 1", got)
	}

	// A second build reuses the cache left by the first session.
	if err := protocol.Call(context.Background(), ts.socket, protocol.CmdBuild, buildRequest(t, "write /hello hi"), nil); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if n := ts.sandbox.CallsOf("/bin/sh", "-c", "write /hello hi"); n != 1 {
		t.Fatalf("step ran %d times, want 1", n)
	}
}

func TestBuildFailure(t *testing.T) {
	ts := startServer(t)

	err := protocol.Call(context.Background(), ts.socket, protocol.CmdBuild, buildRequest(t, "exit 3"), nil)
	var remote *protocol.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want remote error", err)
	}
	if !errdefs.IsExecution(err) {
		t.Errorf("class = %q, want execution", remote.Class)
	}
	if remote.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", remote.ExitCode)
	}
	if got := ts.status(t).Failures; got != 1 {
		t.Fatalf("failures = %d, want 1", got)
	}
}

func TestBuildInvalidRequest(t *testing.T) {
	ts := startServer(t)

	err := protocol.Call(context.Background(), ts.socket, protocol.CmdBuild, &protocol.BuildRequest{
		Recipe: &recipe.Recipe{},
		Output: t.TempDir(),
	}, nil)
	if !errdefs.IsInvalidOperation(err) {
		t.Fatalf("err = %v, want invalid operation", err)
	}

	err = protocol.Call(context.Background(), ts.socket, protocol.CmdBuild, &protocol.BuildRequest{Output: t.TempDir()}, nil)
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("err = %v, want protocol error", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	ts := startServer(t)

	err := protocol.Call(context.Background(), ts.socket, protocol.Command("bogus"), nil, nil)
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("err = %v, want protocol error", err)
	}
}

func TestPrune(t *testing.T) {
	ts := startServer(t)

	if err := protocol.Call(context.Background(), ts.socket, protocol.CmdBuild, buildRequest(t, "write /hello hi"), nil); err != nil {
		t.Fatalf("build: %v", err)
	}

	var res protocol.PruneResult
	if err := protocol.Call(context.Background(), ts.socket, protocol.CmdPrune, nil, &res); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if res.Records == 0 {
		t.Fatal("prune examined no cache records")
	}
}

func TestShutdown(t *testing.T) {
	ts := startServer(t)

	if err := protocol.Call(context.Background(), ts.socket, protocol.CmdShutdown, nil, nil); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		ts.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	// Stop also removes the socket; give the goroutine a moment after done closes.
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := os.Stat(ts.socket); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("socket not removed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := ts.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
