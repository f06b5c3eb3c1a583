package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	maxLineBytes    = 10 * 1024 * 1024
	shutdownTimeout = 5 * time.Second
)

// DefaultSocketPath returns the default unix socket path of the bridge daemon.
func DefaultSocketPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "brainfeed.sock")
	}
	return filepath.Join(home, ".brainfeed", "bridge.sock")
}

// Daemon serves bridge requests over a unix socket, one JSON document per line.
type Daemon struct {
	dispatcher *Dispatcher
	socketPath string
	logger     *zap.Logger

	ready  chan struct{}
	wg     sync.WaitGroup
	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

func NewDaemon(dispatcher *Dispatcher, socketPath string, logger *zap.Logger) (*Daemon, error) {
	if dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		dispatcher: dispatcher,
		socketPath: socketPath,
		logger:     logger,
		ready:      make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// Ready is closed once the socket accepts connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

func (d *Daemon) SocketPath() string {
	return d.socketPath
}

// Serve accepts connections until ctx is canceled, then closes every open
// connection and removes the socket file.
func (d *Daemon) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(d.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.socketPath, err)
	}
	if err := os.Chmod(d.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	defer func() {
		listener.Close()
		os.Remove(d.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
		d.connMu.Lock()
		for conn := range d.conns {
			conn.Close()
		}
		d.connMu.Unlock()
	}()

	d.logger.Info("bridge daemon listening", zap.String("socket", d.socketPath))
	close(d.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				d.drain()
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		d.connMu.Lock()
		d.conns[conn] = struct{}{}
		d.connMu.Unlock()

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConn(ctx, conn)
			d.connMu.Lock()
			delete(d.conns, conn)
			d.connMu.Unlock()
		}()
	}
}

func (d *Daemon) drain() {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		d.logger.Warn("bridge daemon shutdown timed out")
	}
}

func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var request Request
		if err := json.Unmarshal(line, &request); err != nil {
			d.writeResponse(conn, Response{OK: false, Error: &ErrorPayload{
				Kind:    KindInvalid,
				Message: fmt.Sprintf("invalid request: %v", err),
			}})
			continue
		}
		d.writeResponse(conn, d.dispatcher.Dispatch(ctx, request))
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		d.logger.Warn("bridge connection read failed", zap.Error(err))
	}
}

func (d *Daemon) writeResponse(conn net.Conn, response Response) {
	data, err := json.Marshal(response)
	if err != nil {
		d.logger.Error("bridge response marshal failed", zap.Error(err))
		return
	}
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		d.logger.Warn("bridge response write failed", zap.Error(err))
	}
}
