package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/cruciblehq/pyslim/internal/build"
	"github.com/cruciblehq/pyslim/internal/protocol"
)

// Serves a single connection on a temporary socket. handle receives the
// request envelope and returns the reply command and payload.
func serveOnce(t *testing.T, handle func(*protocol.Envelope) (protocol.Command, any)) string {
	t.Helper()

	socket := filepath.Join(t.TempDir(), "pyslim.sock")
	l, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		line, err := bufio.NewReader(conn).ReadBytes('\n')
		if err != nil {
			return
		}
		env, _, err := protocol.Decode(line)
		if err != nil {
			return
		}

		cmd, payload := handle(env)
		data, _ := protocol.Encode(cmd, payload)
		conn.Write(append(data, '\n'))
	}()

	return socket
}

func TestStatus(t *testing.T) {
	socket := serveOnce(t, func(env *protocol.Envelope) (protocol.Command, any) {
		if env.Command != protocol.CmdStatus {
			return protocol.CmdError, &protocol.ErrorResult{Message: "wrong command"}
		}
		return protocol.CmdOK, &protocol.StatusResult{Running: true, Builds: 3}
	})

	status, err := New(socket).Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running || status.Builds != 3 {
		t.Fatalf("status = %+v", status)
	}
}

func TestBuildError(t *testing.T) {
	socket := serveOnce(t, func(*protocol.Envelope) (protocol.Command, any) {
		return protocol.CmdError, &protocol.ErrorResult{
			Message: "no matching distribution",
			Kind:    protocol.KindManifestResolution,
			Stage:   `"builder"`,
		}
	})

	_, err := New(socket).Build(context.Background(), &protocol.BuildRequest{Root: "/src/app"})
	if !errors.Is(err, build.ErrManifestResolution) || !errors.Is(err, ErrDaemon) {
		t.Fatalf("err = %v, want ErrManifestResolution from the daemon", err)
	}

	var stageErr *build.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != `"builder"` {
		t.Fatalf("err = %v, want a StageError for the builder", err)
	}
}

func TestBuildResult(t *testing.T) {
	socket := serveOnce(t, func(*protocol.Envelope) (protocol.Command, any) {
		return protocol.CmdOK, &protocol.BuildResult{
			Output:   "/src/app/dist",
			Archives: []string{"/src/app/dist/image.tar"},
		}
	})

	res, err := New(socket).Build(context.Background(), &protocol.BuildRequest{Root: "/src/app"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Output != "/src/app/dist" || len(res.Archives) != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRemoteErrorUncategorized(t *testing.T) {
	err := remoteError(&protocol.ErrorResult{Message: "boom"})
	if !errors.Is(err, ErrDaemon) || err.Error() != "daemon error: boom" {
		t.Fatalf("err = %v", err)
	}
}

func TestNoDaemon(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing.sock"))
	if _, err := c.Status(context.Background()); !errors.Is(err, ErrDaemon) {
		t.Fatalf("err = %v, want ErrDaemon", err)
	}
}

func TestCancel(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "pyslim.sock")
	l, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	// Accept but never reply.
	go func() {
		conn, err := l.Accept()
		if err == nil {
			defer conn.Close()
			bufio.NewReader(conn).ReadBytes('\n')
			time.Sleep(5 * time.Second)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = New(socket).Build(ctx, &protocol.BuildRequest{Root: "/src/app"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}
