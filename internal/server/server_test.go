package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cruciblehq/pyslim/internal/build"
	"github.com/cruciblehq/pyslim/internal/client"
	"github.com/cruciblehq/pyslim/internal/protocol"
	"github.com/cruciblehq/pyslim/internal/recipe"
)

// Starts a server without an engine on a socket in a temporary directory.
func startServer(t *testing.T) *Server {
	t.Helper()
	return startServerWithEngine(t, nil)
}

// Starts a server around engine on a socket in a temporary directory.
func startServerWithEngine(t *testing.T, engine build.Engine) *Server {
	t.Helper()
	dir := t.TempDir()

	srv := newServer(Config{
		SocketPath: filepath.Join(dir, "pyslim.sock"),
		PIDFile:    filepath.Join(dir, "pyslim.pid"),
	}, engine, nil)

	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// Sends one raw line and decodes the reply.
func roundTrip(t *testing.T, srv *Server, line string) (*protocol.Envelope, []byte) {
	t.Helper()

	conn, err := net.Dial("unix", srv.socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reply, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	env, payload, err := protocol.Decode(reply)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return env, payload
}

// Sends a command and decodes the reply.
func send(t *testing.T, srv *Server, cmd protocol.Command, payload any) (*protocol.Envelope, []byte) {
	t.Helper()
	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return roundTrip(t, srv, string(data))
}

func TestStartWritesPIDFile(t *testing.T) {
	srv := startServer(t)

	data, err := os.ReadFile(srv.pidFile)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != fmt.Sprint(os.Getpid()) {
		t.Fatalf("pid file = %q, want %d", got, os.Getpid())
	}

	info, err := os.Stat(srv.socketPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != socketMode {
		t.Fatalf("socket mode = %o, want %o", perm, socketMode)
	}
}

func TestStatus(t *testing.T) {
	srv := startServer(t)

	env, payload := send(t, srv, protocol.CmdStatus, nil)
	if env.Command != protocol.CmdOK {
		t.Fatalf("command = %s, want ok", env.Command)
	}

	status, err := protocol.DecodePayload[protocol.StatusResult](payload)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !status.Running || status.Pid != os.Getpid() || status.Version == "" {
		t.Fatalf("status = %+v", status)
	}
}

func TestUnknownCommand(t *testing.T) {
	srv := startServer(t)

	env, payload := send(t, srv, protocol.Command("explode"), nil)
	if env.Command != protocol.CmdError {
		t.Fatalf("command = %s, want error", env.Command)
	}

	res, err := protocol.DecodePayload[protocol.ErrorResult](payload)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !strings.Contains(res.Message, "unknown command: explode") {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestMalformedEnvelope(t *testing.T) {
	srv := startServer(t)

	env, _ := roundTrip(t, srv, `{"version":1,`)
	if env.Command != protocol.CmdError {
		t.Fatalf("command = %s, want error", env.Command)
	}
}

func TestBuildRelativeRoot(t *testing.T) {
	srv := startServer(t)

	env, payload := send(t, srv, protocol.CmdBuild, &protocol.BuildRequest{Root: "relative/app"})
	if env.Command != protocol.CmdError {
		t.Fatalf("command = %s, want error", env.Command)
	}
	res, _ := protocol.DecodePayload[protocol.ErrorResult](payload)
	if !strings.Contains(res.Message, "not absolute") {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestBuildMissingSource(t *testing.T) {
	srv := startServer(t)
	root := t.TempDir()

	env, payload := send(t, srv, protocol.CmdBuild, &protocol.BuildRequest{
		Root:   root,
		Output: filepath.Join(root, "dist"),
	})
	if env.Command != protocol.CmdError {
		t.Fatalf("command = %s, want error", env.Command)
	}

	res, err := protocol.DecodePayload[protocol.ErrorResult](payload)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if res.Kind != protocol.KindMissingSource || res.Stage != `"builder"` {
		t.Fatalf("result = %+v, want missing source in the builder", res)
	}

	_, payload = send(t, srv, protocol.CmdStatus, nil)
	status, _ := protocol.DecodePayload[protocol.StatusResult](payload)
	if status.Failures != 1 || status.Builds != 0 || status.Active != 0 {
		t.Fatalf("status = %+v, want one failure", status)
	}
}

func TestBuildInvalidDefinition(t *testing.T) {
	srv := startServer(t)
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "pyslim.toml"), []byte("bogus = 1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	env, payload := send(t, srv, protocol.CmdBuild, &protocol.BuildRequest{Root: root})
	if env.Command != protocol.CmdError {
		t.Fatalf("command = %s, want error", env.Command)
	}
	res, _ := protocol.DecodePayload[protocol.ErrorResult](payload)
	if res.Kind != "" || res.Stage != "" {
		t.Fatalf("result = %+v, want no category", res)
	}
}

func TestShutdown(t *testing.T) {
	srv := startServer(t)

	env, _ := send(t, srv, protocol.CmdShutdown, nil)
	if env.Command != protocol.CmdOK {
		t.Fatalf("command = %s, want ok", env.Command)
	}

	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	if _, err := os.Stat(srv.socketPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket still present (stat err = %v)", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestErrorResult(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		kind  string
		stage string
	}{
		{
			name:  "manifest resolution",
			err:   &build.StageError{Platform: "linux/amd64", Stage: `"builder"`, Err: fmt.Errorf("%w: %w", build.ErrManifestResolution, build.ErrCommandFailed)},
			kind:  protocol.KindManifestResolution,
			stage: `"builder"`,
		},
		{
			name:  "missing artifact",
			err:   &build.StageError{Stage: `"runtime"`, Err: build.ErrMissingArtifact},
			kind:  protocol.KindMissingArtifact,
			stage: `"runtime"`,
		},
		{
			name: "missing source without stage",
			err:  fmt.Errorf("wrapped: %w", build.ErrMissingSource),
			kind: protocol.KindMissingSource,
		},
		{
			name: "uncategorized",
			err:  errors.New("boom"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := errorResult(tt.err)
			if res.Kind != tt.kind || res.Stage != tt.stage || res.Message != tt.err.Error() {
				t.Fatalf("errorResult = %+v, want kind %q stage %q", res, tt.kind, tt.stage)
			}
		})
	}
}

func TestContextWithDisconnect(t *testing.T) {
	pr, pw := io.Pipe()

	ctx, cancel := contextWithDisconnect(context.Background(), pr)
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before disconnect")
	case <-time.After(50 * time.Millisecond):
	}

	pw.Close()

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled after disconnect")
	}
}

// Engine whose Prepare blocks until released and then fails. It records how
// many builds were inside it at once.
type blockingEngine struct {
	mu      sync.Mutex
	inside  int
	peak    int
	entered chan struct{}
	release chan struct{}
}

func (e *blockingEngine) Prepare(ctx context.Context, _ recipe.Source, _ string) (string, error) {
	e.mu.Lock()
	e.inside++
	e.peak = max(e.peak, e.inside)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inside--
		e.mu.Unlock()
	}()

	e.entered <- struct{}{}

	select {
	case <-e.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "", errors.New("engine unavailable")
}

func (e *blockingEngine) Start(context.Context, string, string, string) (build.Container, error) {
	return nil, errors.New("engine unavailable")
}

// Writes a buildable project named "app" and returns its root.
func writeProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	files := map[string]string{
		"pyslim.toml":      "name = \"app\"\n",
		"requirements.txt": "requests==2.31.0\n",
		"src/main.py":      "print('hello')\n",
	}
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestBuildsOfOneResourceRunInTurn(t *testing.T) {
	engine := &blockingEngine{
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	srv := startServerWithEngine(t, engine)
	root := writeProject(t)

	req := &protocol.BuildRequest{
		Root:      root,
		Output:    filepath.Join(root, "dist"),
		Platforms: []string{"linux/amd64"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	run := func() {
		_, err := client.New(srv.socketPath).Build(ctx, req)
		errs <- err
	}

	go run()
	select {
	case <-engine.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first build did not reach the engine")
	}

	go run()
	select {
	case <-engine.entered:
		t.Fatal("second build reached the engine while the first was running")
	case <-time.After(200 * time.Millisecond):
	}

	_, payload := send(t, srv, protocol.CmdStatus, nil)
	status, _ := protocol.DecodePayload[protocol.StatusResult](payload)
	if status.Active != 1 {
		t.Fatalf("active = %d, want 1 while the second build waits", status.Active)
	}

	close(engine.release)
	for range 2 {
		select {
		case err := <-errs:
			if err == nil {
				t.Fatal("build succeeded, want the engine error")
			}
		case <-time.After(10 * time.Second):
			t.Fatal("build did not finish")
		}
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.peak != 1 {
		t.Fatalf("peak concurrent builds = %d, want 1", engine.peak)
	}
}

func TestAcquire(t *testing.T) {
	dir := t.TempDir()
	srv := newServer(Config{
		SocketPath: filepath.Join(dir, "pyslim.sock"),
		PIDFile:    filepath.Join(dir, "pyslim.pid"),
	}, nil, nil)

	release, err := srv.acquire(context.Background(), "app")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := srv.acquire(cancelled, "app"); !errors.Is(err, context.Canceled) || !errors.Is(err, ErrServer) {
		t.Fatalf("err = %v, want ErrServer wrapping context.Canceled", err)
	}

	other, err := srv.acquire(cancelled, "other")
	if err != nil {
		t.Fatalf("acquire of another resource: %v", err)
	}
	other()

	release()
	again, err := srv.acquire(cancelled, "app")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}
