package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"vawter.tech/stopper"

	"github.com/loykin/procd/internal/metrics"
	"github.com/loykin/procd/internal/protocol"
)

const (
	DefaultSocketMode     os.FileMode = 0o600
	DefaultReadTimeout                = 10 * time.Second
	DefaultRequestTimeout             = 10 * time.Second
	DefaultWriteTimeout               = 10 * time.Second
)

// ListenerOptions tunes a Listener. Zero values select the defaults.
type ListenerOptions struct {
	Mode           os.FileMode
	ReadTimeout    time.Duration // bound on receiving the request line
	RequestTimeout time.Duration // bound on dispatching one request
	WriteTimeout   time.Duration // bound on each write to the client
	Instance       string
	Logger         *slog.Logger
}

// Listener accepts control connections on a Unix socket. Each connection
// carries one request; log follow keeps it open until either side closes.
type Listener struct {
	path string
	ln   net.Listener
	disp *Dispatcher
	opts ListenerOptions
	log  *slog.Logger

	sctx      *stopper.Context
	closeOnce sync.Once
}

// Listen binds path and applies the socket mode. The path must not exist.
func Listen(path string, disp *Dispatcher, opts ListenerOptions) (*Listener, error) {
	if opts.Mode == 0 {
		opts.Mode = DefaultSocketMode
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bind control socket: %w", err)
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		// Close must not race a new daemon that already re-created the path.
		ul.SetUnlinkOnClose(false)
	}
	if err := os.Chmod(path, opts.Mode); err != nil {
		_ = ln.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("chmod control socket: %w", err)
	}
	return &Listener{
		path: path,
		ln:   ln,
		disp: disp,
		opts: opts,
		log:  log,
		sctx: stopper.WithContext(context.Background()),
	}, nil
}

func (l *Listener) Path() string { return l.path }

// Serve accepts connections until Shutdown. It returns nil after a clean
// shutdown.
func (l *Listener) Serve() error {
	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.sctx.IsStopping() {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			l.log.Warn("accept failed", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		c := conn
		l.sctx.Go(func(sctx *stopper.Context) error {
			l.handle(sctx, c)
			return nil
		})
	}
}

// Shutdown stops accepting, gives open connections grace to finish, then
// cancels follow streams and removes the socket file.
func (l *Listener) Shutdown(grace time.Duration) error {
	var err error
	l.closeOnce.Do(func() {
		err = l.ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		l.sctx.Stop(grace)
		if werr := l.sctx.Wait(); werr != nil {
			err = errors.Join(err, werr)
		}
		if rerr := os.Remove(l.path); rerr != nil && !os.IsNotExist(rerr) {
			err = errors.Join(err, rerr)
		}
	})
	return err
}

func (l *Listener) handle(sctx *stopper.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	log := l.log.With("request_id", uuid.NewString())

	_ = conn.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout))
	br := bufio.NewReader(conn)
	line, err := protocol.ReadLine(br)
	if err != nil {
		if errors.Is(err, protocol.ErrMessageTooLarge) {
			l.reply(conn, log, protocol.Fail(protocol.KindInvalidArgument, err.Error()))
		} else if !errors.Is(err, io.EOF) {
			log.Debug("read request failed", "error", err)
		}
		return
	}

	cmd, err := protocol.Decode(line)
	if err != nil {
		metrics.ObserveRequest(l.opts.Instance, "invalid", string(protocol.KindInvalidArgument), 0)
		log.Debug("rejected request", "error", err)
		l.reply(conn, log, protocol.Fail(protocol.KindInvalidArgument, err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.opts.RequestTimeout)
	resp, stream := l.disp.Dispatch(ctx, cmd)
	cancel()
	log.Debug("request handled", "command", cmd.Name(), "ok", resp.OK)
	if !l.reply(conn, log, resp) || stream == nil {
		return
	}
	l.follow(sctx, conn, br, log, stream)
}

func (l *Listener) reply(conn net.Conn, log *slog.Logger, resp protocol.Response) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
	if err := protocol.WriteMessage(conn, resp); err != nil {
		log.Debug("write response failed", "error", err)
		return false
	}
	return true
}

// follow pushes log lines until the client disconnects, a write fails or
// the listener shuts down.
func (l *Listener) follow(sctx *stopper.Context, conn net.Conn, br *bufio.Reader, log *slog.Logger, stream StreamFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Anything the client sends, including EOF, ends the stream.
	_ = conn.SetReadDeadline(time.Time{})
	go func() {
		_, _ = br.ReadByte()
		cancel()
	}()
	go func() {
		select {
		case <-sctx.Stopping():
			cancel()
		case <-ctx.Done():
		}
	}()

	err := stream(ctx, func(line string) error {
		_ = conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
		return protocol.WriteMessage(conn, protocol.LineMessage{Line: protocol.CapLine(line)})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Debug("follow ended", "error", err)
	}
}
