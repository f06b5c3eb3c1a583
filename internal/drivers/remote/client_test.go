package remote

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TKKRTKY/brain-feed-reader/internal/auth"
	"github.com/TKKRTKY/brain-feed-reader/internal/bridge"
	"github.com/TKKRTKY/brain-feed-reader/internal/drivers/indexed"
	"github.com/TKKRTKY/brain-feed-reader/internal/drivers/relational"
	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage/storagetest"
	"github.com/gin-gonic/gin"
	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexedHost(t *testing.T) storage.Adapter {
	t.Helper()
	fsys, err := mem.NewFS()
	require.NoError(t, err)
	driver, err := indexed.New(indexed.Config{FS: fsys})
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })
	return driver
}

func relationalHost(t *testing.T) storage.Adapter {
	t.Helper()
	driver, err := relational.Open(context.Background(), relational.Config{
		Filename: filepath.Join(t.TempDir(), relational.DefaultFilename),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })
	return driver
}

// socketChannel serves host through a bridge daemon and dials it.
func socketChannel(t *testing.T, host storage.Adapter) *SocketChannel {
	t.Helper()
	dispatcher, err := bridge.NewDispatcher(host, nil)
	require.NoError(t, err)

	// unix socket paths are length limited, so keep them out of the per-test directory
	dir, err := os.MkdirTemp("", "bf")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	daemon, err := bridge.NewDaemon(dispatcher, filepath.Join(dir, "bridge.sock"), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- daemon.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Errorf("daemon did not stop")
		}
	})
	select {
	case <-daemon.Ready():
	case err := <-served:
		t.Fatalf("daemon failed: %v", err)
	}

	channel, err := DialSocket(context.Background(), daemon.SocketPath())
	require.NoError(t, err)
	return channel
}

func httpChannel(t *testing.T, host storage.Adapter) *HTTPChannel {
	t.Helper()
	return grantedHTTPChannel(t, host, auth.Grant{
		Subject: "renderer",
		Access:  []auth.Access{auth.AccessRead, auth.AccessWrite},
	})
}

func grantedHTTPChannel(t *testing.T, host storage.Adapter, grant auth.Grant) *HTTPChannel {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dispatcher, err := bridge.NewDispatcher(host, nil)
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("bridge-secret"),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Hour,
	})
	require.NoError(t, err)
	handler, err := bridge.NewHTTPHandler(bridge.HTTPDependencies{Dispatcher: dispatcher, Tokens: issuer})
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	issued, err := issuer.IssueToken(context.Background(), grant)
	require.NoError(t, err)
	token := issued.Value
	channel, err := NewHTTPChannel(server.URL, token, server.Client())
	require.NoError(t, err)
	return channel
}

func newClient(t *testing.T, channel Channel) *Client {
	t.Helper()
	client, err := New(channel, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientConformanceOverSocket(t *testing.T) {
	storagetest.Run(t, map[string]storagetest.Factory{
		"socket": func(t *testing.T) storage.Adapter {
			return newClient(t, socketChannel(t, indexedHost(t)))
		},
	}, storagetest.Capabilities{})
}

func TestClientConformanceOverHTTP(t *testing.T) {
	storagetest.Run(t, map[string]storagetest.Factory{
		"http": func(t *testing.T) storage.Adapter {
			return newClient(t, httpChannel(t, relationalHost(t)))
		},
	}, storagetest.Capabilities{AtomicBatches: true})
}

func TestTransactionFailsFast(t *testing.T) {
	client := newClient(t, socketChannel(t, indexedHost(t)))
	called := false
	err := client.Transaction(context.Background(), func(context.Context, storage.Adapter) error {
		called = true
		return nil
	})
	assert.True(t, errors.Is(err, storage.ErrUnsupportedOperation))
	assert.False(t, called)
}

func TestPing(t *testing.T) {
	client := newClient(t, socketChannel(t, indexedHost(t)))
	require.NoError(t, client.Ping(context.Background()))
}

func TestUnauthorizedHTTPChannel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	channel := httpChannel(t, indexedHost(t))
	channel.token = "forged"
	client := newClient(t, channel)

	_, err := client.Read(context.Background(), schema.Books, "b1")
	require.Error(t, err)
	var dbErr *storage.DatabaseError
	assert.True(t, errors.As(err, &dbErr))
	assert.Contains(t, err.Error(), "401")
}

func TestReadOnlyTokenCannotWrite(t *testing.T) {
	host := relationalHost(t)
	_, err := host.Create(context.Background(), schema.Books, storage.Record{"id": "b1", "title": "Dune", "filepath": "/dune.epub"})
	require.NoError(t, err)
	client := newClient(t, grantedHTTPChannel(t, host, auth.Grant{
		Subject: "viewer",
		Access:  []auth.Access{auth.AccessRead},
		Tables:  []string{schema.Books},
	}))
	ctx := context.Background()

	book, err := client.Read(ctx, schema.Books, "b1")
	require.NoError(t, err)
	assert.Equal(t, "Dune", book["title"])

	_, err = client.Update(ctx, schema.Books, "b1", storage.Record{"title": "Dune Messiah"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	_, err = client.Query(ctx, schema.Notes, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestFailedBatchReturnsCommittedRecords(t *testing.T) {
	host := indexedHost(t)
	_, err := host.Create(context.Background(), schema.Books, storage.Record{"id": "b1", "title": "one", "filepath": "/one.epub"})
	require.NoError(t, err)
	client := newClient(t, socketChannel(t, host))

	created, err := client.CreateMany(context.Background(), schema.Books, []storage.Record{
		{"id": "b2", "title": "two", "filepath": "/two.epub"},
		{"id": "b1", "title": "dup", "filepath": "/dup.epub"},
	})
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey), "got %v", err)
	require.Len(t, created, 1)
	assert.Equal(t, "b2", created[0]["id"])
	assert.Nil(t, created[0]["author"], "committed records are projected onto the schema")
}

func TestLocalValidationSkipsTheWire(t *testing.T) {
	channel := &recordingChannel{}
	client := newClient(t, channel)

	_, err := client.Create(context.Background(), schema.Books, storage.Record{"shelf": "x"})
	assert.True(t, errors.Is(err, storage.ErrUnknownColumn))
	_, err = client.Query(context.Background(), "shelves", nil)
	assert.True(t, errors.Is(err, storage.ErrUnknownTable))
	assert.Zero(t, channel.sent)
}

type recordingChannel struct {
	sent int
}

func (c *recordingChannel) Send(context.Context, bridge.Request) (bridge.Response, error) {
	c.sent++
	return bridge.Response{OK: true}, nil
}

func (c *recordingChannel) Close() error {
	return nil
}
