package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
)

func startDaemon(testContext *testing.T) *Daemon {
	testContext.Helper()
	dir, err := os.MkdirTemp("", "bfd")
	if err != nil {
		testContext.Fatalf("create socket dir: %v", err)
	}
	testContext.Cleanup(func() { _ = os.RemoveAll(dir) })

	daemon, err := NewDaemon(newTestDispatcher(testContext), filepath.Join(dir, "bridge.sock"), nil)
	if err != nil {
		testContext.Fatalf("build daemon: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- daemon.Serve(ctx) }()
	testContext.Cleanup(func() {
		cancel()
		select {
		case err := <-served:
			if err != nil {
				testContext.Errorf("serve returned %v", err)
			}
		case <-time.After(5 * time.Second):
			testContext.Errorf("daemon did not stop")
		}
	})
	select {
	case <-daemon.Ready():
	case err := <-served:
		testContext.Fatalf("daemon failed to start: %v", err)
	}
	return daemon
}

func roundTrip(testContext *testing.T, conn net.Conn, reader *bufio.Reader, line string) Response {
	testContext.Helper()
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		testContext.Fatalf("write request: %v", err)
	}
	data, err := reader.ReadBytes('\n')
	if err != nil {
		testContext.Fatalf("read response: %v", err)
	}
	var response Response
	if err := json.Unmarshal(data, &response); err != nil {
		testContext.Fatalf("decode response: %v", err)
	}
	return response
}

func TestDaemonServesLineDelimitedRequests(t *testing.T) {
	daemon := startDaemon(t)
	conn, err := net.Dial("unix", daemon.SocketPath())
	if err != nil {
		t.Fatalf("dial daemon: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	create, _ := json.Marshal(Request{RequestID: "1", Type: TypeCreate, Table: schema.Books, Data: book("b1")})
	response := roundTrip(t, conn, reader, string(create))
	if !response.OK || response.RequestID != "1" {
		t.Fatalf("unexpected create response: %+v", response)
	}

	response = roundTrip(t, conn, reader, `{"request_id":"2","type":"read","table":"books","id":"b1"}`)
	if !response.OK || response.Data["title"] != "Book b1" {
		t.Fatalf("unexpected read response: %+v", response)
	}

	response = roundTrip(t, conn, reader, `not json`)
	if response.OK || response.Error == nil || response.Error.Kind != KindInvalid {
		t.Fatalf("expected invalid response, got %+v", response)
	}
}

func TestDaemonSocketIsPrivate(t *testing.T) {
	daemon := startDaemon(t)
	info, err := os.Stat(daemon.SocketPath())
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected socket permissions: %v", info.Mode().Perm())
	}
}

func TestDaemonRemovesStaleSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "bfd")
	if err != nil {
		t.Fatalf("create socket dir: %v", err)
	}
	defer os.RemoveAll(dir)
	socketPath := filepath.Join(dir, "bridge.sock")
	if err := os.WriteFile(socketPath, []byte("stale"), 0o600); err != nil {
		t.Fatalf("write stale file: %v", err)
	}

	daemon, err := NewDaemon(newTestDispatcher(t), socketPath, nil)
	if err != nil {
		t.Fatalf("build daemon: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- daemon.Serve(ctx) }()
	select {
	case <-daemon.Ready():
	case err := <-served:
		t.Fatalf("daemon failed to start: %v", err)
	}
	cancel()
	if err := <-served; err != nil {
		t.Fatalf("serve returned %v", err)
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Fatalf("expected socket to be removed on shutdown, got %v", err)
	}
}
