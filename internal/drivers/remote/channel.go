package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TKKRTKY/brain-feed-reader/internal/bridge"
)

var (
	errChannelClosed = errors.New("remote: channel closed")
	errMissingURL    = errors.New("remote: bridge url is required")
)

// Channel delivers one request to the host and returns its response.
type Channel interface {
	Send(ctx context.Context, request bridge.Request) (bridge.Response, error)
	Close() error
}

// HTTPChannel posts requests to the host bridge's storage endpoint.
type HTTPChannel struct {
	endpoint string
	token    string
	client   *http.Client
	closed   atomic.Bool
}

// NewHTTPChannel targets baseURL, such as http://127.0.0.1:8790.
func NewHTTPChannel(baseURL, token string, client *http.Client) (*HTTPChannel, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errMissingURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPChannel{endpoint: baseURL + bridge.StoragePath, token: token, client: client}, nil
}

func (c *HTTPChannel) Send(ctx context.Context, request bridge.Request) (bridge.Response, error) {
	if c.closed.Load() {
		return bridge.Response{}, errChannelClosed
	}
	body, err := json.Marshal(request)
	if err != nil {
		return bridge.Response{}, fmt.Errorf("marshal request: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return bridge.Response{}, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+c.token)
	}
	httpResponse, err := c.client.Do(httpRequest)
	if err != nil {
		return bridge.Response{}, fmt.Errorf("send request: %w", err)
	}
	defer httpResponse.Body.Close()
	if httpResponse.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 1024))
		return bridge.Response{}, fmt.Errorf("bridge returned %d: %s", httpResponse.StatusCode, strings.TrimSpace(string(detail)))
	}
	var response bridge.Response
	if err := json.NewDecoder(httpResponse.Body).Decode(&response); err != nil {
		return bridge.Response{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return response, nil
}

func (c *HTTPChannel) Close() error {
	c.closed.Store(true)
	return nil
}

// SocketChannel talks to the bridge daemon over a unix socket. Sends are
// serialized: one request is on the wire at a time.
type SocketChannel struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
	reqID  atomic.Int64
	closed bool
}

// DialSocket connects to the daemon at socketPath.
func DialSocket(ctx context.Context, socketPath string) (*SocketChannel, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to bridge at %s: %w", socketPath, err)
	}
	return &SocketChannel{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (s *SocketChannel) Send(ctx context.Context, request bridge.Request) (bridge.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return bridge.Response{}, errChannelClosed
	}
	request.RequestID = strconv.FormatInt(s.reqID.Add(1), 10)

	data, err := json.Marshal(request)
	if err != nil {
		return bridge.Response{}, fmt.Errorf("marshal request: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(deadline)
		defer s.conn.SetDeadline(time.Time{})
	}
	if _, err := fmt.Fprintf(s.conn, "%s\n", data); err != nil {
		return bridge.Response{}, fmt.Errorf("send request: %w", err)
	}
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		return bridge.Response{}, fmt.Errorf("read response: %w", err)
	}
	var response bridge.Response
	if err := json.Unmarshal(line, &response); err != nil {
		return bridge.Response{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if response.RequestID != "" && response.RequestID != request.RequestID {
		return bridge.Response{}, fmt.Errorf("response %s does not answer request %s", response.RequestID, request.RequestID)
	}
	return response, nil
}

func (s *SocketChannel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
