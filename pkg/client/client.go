package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/loykin/procd/internal/instance"
	"github.com/loykin/procd/internal/protocol"
)

// Client talks to one daemon over its control socket. Every call opens a
// fresh connection.
type Client struct {
	socket  string
	timeout time.Duration
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	Socket  string
	Timeout time.Duration // per request, excluding log follow
	Logger  *slog.Logger
}

// DefaultConfig targets the default instance.
func DefaultConfig() Config {
	l, _ := instance.NewLayout("", "")
	return Config{Socket: l.SocketPath(), Timeout: 10 * time.Second}
}

func New(config Config) *Client {
	if config.Socket == "" {
		config.Socket = DefaultConfig().Socket
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{socket: config.Socket, timeout: config.Timeout, logger: config.Logger}
}

// ForInstance returns a client for the named instance under baseDir.
func ForInstance(baseDir, name string, timeout time.Duration) (*Client, error) {
	l, err := instance.NewLayout(baseDir, name)
	if err != nil {
		return nil, &Error{Kind: protocol.KindInvalidArgument, Message: err.Error(), cause: err}
	}
	return New(Config{Socket: l.SocketPath(), Timeout: timeout}), nil
}

func (c *Client) Socket() string { return c.socket }

// IsReachable reports whether the daemon answers ping.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Ping(ctx)
	if err != nil {
		c.logger.Debug("daemon unreachable", "socket", c.socket, "error", err)
	}
	return err == nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return nil, channelErr("dial", err)
	}
	return conn, nil
}

// send writes one request and reads the first response line. The caller
// owns the returned connection.
func (c *Client) send(ctx context.Context, cmd protocol.Command, deadline bool) (net.Conn, *bufio.Reader, protocol.Response, error) {
	var resp protocol.Response
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, nil, resp, err
	}
	if deadline {
		dl := time.Now().Add(c.timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(dl) {
			dl = d
		}
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := protocol.WriteMessage(conn, protocol.NewRequest(cmd)); err != nil {
		_ = conn.Close()
		return nil, nil, resp, c.ioErr(ctx, "write", err)
	}
	br := bufio.NewReader(conn)
	if err := protocol.ReadMessage(br, &resp); err != nil {
		_ = conn.Close()
		return nil, nil, resp, c.ioErr(ctx, "read", err)
	}
	return conn, br, resp, nil
}

func (c *Client) ioErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, protocol.ErrMessageTooLarge) {
		return &Error{Kind: protocol.KindInternal, Message: op + ": " + err.Error(), cause: err}
	}
	return channelErr(op, err)
}

func (c *Client) call(ctx context.Context, cmd protocol.Command, out any) error {
	conn, _, resp, err := c.send(ctx, cmd, true)
	if err != nil {
		return err
	}
	_ = conn.Close()
	if !resp.OK {
		return fromWire(resp.Error)
	}
	if err := resp.Into(out); err != nil {
		return channelErr("decode", err)
	}
	return nil
}

func (c *Client) Start(ctx context.Context, req StartRequest) (ProcessResult, error) {
	var res ProcessResult
	err := c.call(ctx, protocol.Start{
		ID:      req.ID,
		Cmd:     req.Command,
		Argv:    req.Argv,
		WorkDir: req.WorkDir,
		Env:     req.Env,
	}, &res)
	return res, err
}

func (c *Client) Stop(ctx context.Context, id string, force bool) (ProcessResult, error) {
	var res ProcessResult
	err := c.call(ctx, protocol.Stop{ID: id, Force: force}, &res)
	return res, err
}

// Status returns one record, or every record when id is empty.
func (c *Client) Status(ctx context.Context, id string) ([]Record, error) {
	var res protocol.StatusResult
	if err := c.call(ctx, protocol.Status{ID: id}, &res); err != nil {
		return nil, err
	}
	return res.Processes, nil
}

// Log returns the last lines of a process log; 0 selects the daemon default.
func (c *Client) Log(ctx context.Context, id string, lines int) ([]string, error) {
	var res protocol.LogResult
	if err := c.call(ctx, protocol.Log{ID: id, Lines: lines}, &res); err != nil {
		return nil, err
	}
	return res.Lines, nil
}

// Follow calls fn with the last lines of the log and then with every new
// line until ctx is cancelled, fn fails or the daemon closes the stream.
// Cancellation returns ctx.Err().
func (c *Client) Follow(ctx context.Context, id string, lines int, fn func(line string) error) error {
	conn, br, resp, err := c.send(ctx, protocol.Log{ID: id, Lines: lines, Follow: true}, false)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	if !resp.OK {
		return fromWire(resp.Error)
	}
	var res protocol.LogResult
	if err := resp.Into(&res); err != nil {
		return channelErr("decode", err)
	}
	for _, l := range res.Lines {
		if err := fn(l); err != nil {
			return err
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		var msg protocol.LineMessage
		if err := protocol.ReadMessage(br, &msg); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return c.ioErr(ctx, "follow", err)
		}
		if err := fn(msg.Line); err != nil {
			return err
		}
	}
}

func (c *Client) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	err := c.call(ctx, protocol.Cleanup{}, &res)
	return res, err
}

// KillInstance kills every process and shuts the daemon down.
func (c *Client) KillInstance(ctx context.Context) (int, error) {
	var res protocol.KillResult
	if err := c.call(ctx, protocol.KillInstance{}, &res); err != nil {
		return 0, err
	}
	return res.Killed, nil
}

func (c *Client) Ping(ctx context.Context) (PingResult, error) {
	var res PingResult
	err := c.call(ctx, protocol.Ping{}, &res)
	return res, err
}

// IsChannelError reports whether err means the daemon could not be reached.
func IsChannelError(err error) bool { return errors.Is(err, ErrChannel) }
