package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/cruciblehq/pyslim/internal/build"
	"github.com/cruciblehq/pyslim/internal/paths"
	"github.com/cruciblehq/pyslim/internal/protocol"
)

var ErrDaemon = errors.New("daemon error")

// Connection settings for the daemon.
type Client struct {
	socketPath string
}

// Returns a client for the daemon listening on socketPath. An empty path
// uses the default socket.
func New(socketPath string) *Client {
	if socketPath == "" {
		socketPath = paths.Socket()
	}
	return &Client{socketPath: socketPath}
}

// Asks the daemon to build a project and waits for the result.
func (c *Client) Build(ctx context.Context, req *protocol.BuildRequest) (*protocol.BuildResult, error) {
	payload, err := c.call(ctx, protocol.CmdBuild, req)
	if err != nil {
		return nil, err
	}
	return protocol.DecodePayload[protocol.BuildResult](payload)
}

// Queries the daemon's status.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResult, error) {
	payload, err := c.call(ctx, protocol.CmdStatus, nil)
	if err != nil {
		return nil, err
	}
	return protocol.DecodePayload[protocol.StatusResult](payload)
}

// Asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.call(ctx, protocol.CmdShutdown, nil)
	return err
}

// Performs one request-response exchange.
func (c *Client) call(ctx context.Context, cmd protocol.Command, payload any) (json.RawMessage, error) {
	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: is the daemon running? %w", ErrDaemon, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDaemon, contextErr(ctx, err))
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDaemon, contextErr(ctx, err))
	}

	env, reply, err := protocol.Decode(line)
	if err != nil {
		return nil, err
	}

	switch env.Command {
	case protocol.CmdOK:
		return reply, nil
	case protocol.CmdError:
		res, err := protocol.DecodePayload[protocol.ErrorResult](reply)
		if err != nil {
			return nil, err
		}
		return nil, remoteError(res)
	default:
		return nil, fmt.Errorf("%w: unexpected reply %q", protocol.ErrProtocol, env.Command)
	}
}

// Prefers the context's error when it caused err.
func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Rebuilds a daemon-side failure, restoring its category so callers can
// match it with errors.Is.
func remoteError(res *protocol.ErrorResult) error {
	var kind error
	switch res.Kind {
	case protocol.KindManifestResolution:
		kind = build.ErrManifestResolution
	case protocol.KindMissingArtifact:
		kind = build.ErrMissingArtifact
	case protocol.KindMissingSource:
		kind = build.ErrMissingSource
	default:
		return fmt.Errorf("%w: %s", ErrDaemon, res.Message)
	}

	err := fmt.Errorf("%w: %w: %s", ErrDaemon, kind, res.Message)
	if res.Stage != "" {
		return &build.StageError{Stage: res.Stage, Err: err}
	}
	return err
}
