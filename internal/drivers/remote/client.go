// Package remote implements the storage adapter for renderer processes that
// reach the database through the host bridge.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/TKKRTKY/brain-feed-reader/internal/bridge"
	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"go.uber.org/zap"
)

var (
	errMissingChannel = errors.New("remote: channel is required")
)

var _ storage.Adapter = (*Client)(nil)
var _ storage.Atomic = (*Client)(nil)
var _ storage.RangeQuerier = (*Client)(nil)

// Client forwards adapter calls over a Channel. Fields are checked against
// the local schema before anything is sent.
type Client struct {
	channel Channel
	schema  *schema.Schema
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func New(channel Channel, s *schema.Schema, logger *zap.Logger) (*Client, error) {
	if channel == nil {
		return nil, errMissingChannel
	}
	if s == nil {
		s = schema.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{channel: channel, schema: s, logger: logger}, nil
}

// Ping checks that the host answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", nil, bridge.Request{Type: bridge.TypePing})
	return err
}

func (c *Client) Create(ctx context.Context, table string, data storage.Record) (storage.Record, error) {
	t, err := c.schema.Table(table)
	if err != nil {
		return nil, err
	}
	normalized, err := t.Normalize(data)
	if err != nil {
		return nil, err
	}
	response, err := c.send(ctx, "create", t, bridge.Request{Type: bridge.TypeCreate, Table: table, Data: normalized})
	if err != nil {
		return nil, err
	}
	return t.Project(response.Data), nil
}

func (c *Client) Read(ctx context.Context, table, id string) (storage.Record, error) {
	t, err := c.schema.Table(table)
	if err != nil {
		return nil, err
	}
	response, err := c.send(ctx, "read", t, bridge.Request{Type: bridge.TypeRead, Table: table, ID: id})
	if err != nil {
		return nil, err
	}
	return t.Project(response.Data), nil
}

func (c *Client) Update(ctx context.Context, table, id string, patch storage.Record) (storage.Record, error) {
	t, err := c.schema.Table(table)
	if err != nil {
		return nil, err
	}
	normalized, err := t.Normalize(patch)
	if err != nil {
		return nil, err
	}
	response, err := c.send(ctx, "update", t, bridge.Request{Type: bridge.TypeUpdate, Table: table, ID: id, Data: normalized})
	if err != nil {
		return nil, err
	}
	return t.Project(response.Data), nil
}

func (c *Client) Delete(ctx context.Context, table, id string) error {
	t, err := c.schema.Table(table)
	if err != nil {
		return err
	}
	_, err = c.send(ctx, "delete", t, bridge.Request{Type: bridge.TypeDelete, Table: table, ID: id})
	return err
}

func (c *Client) Query(ctx context.Context, table string, filter storage.Filter) ([]storage.Record, error) {
	t, err := c.schema.Table(table)
	if err != nil {
		return nil, err
	}
	normalized, err := t.NormalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	response, err := c.send(ctx, "query", t, bridge.Request{Type: bridge.TypeQuery, Table: table, Filter: normalized})
	if err != nil {
		return nil, err
	}
	return project(t, response.Records), nil
}

func (c *Client) FindOne(ctx context.Context, table string, filter storage.Filter) (storage.Record, error) {
	t, err := c.schema.Table(table)
	if err != nil {
		return nil, err
	}
	normalized, err := t.NormalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	response, err := c.send(ctx, "find_one", t, bridge.Request{Type: bridge.TypeFindOne, Table: table, Filter: normalized})
	if err != nil {
		return nil, err
	}
	if response.Data == nil {
		return nil, nil
	}
	return t.Project(response.Data), nil
}

// QueryRange forwards a ranged query. The host checks the index and bounds.
func (c *Client) QueryRange(ctx context.Context, table string, options storage.QueryOptions) ([]storage.Record, error) {
	t, err := c.schema.Table(table)
	if err != nil {
		return nil, err
	}
	filter, err := t.NormalizeFilter(options.Filter)
	if err != nil {
		return nil, err
	}
	options.Filter = filter
	response, err := c.send(ctx, "query_range", t, bridge.Request{Type: bridge.TypeQueryRange, Table: table, Options: &options})
	if err != nil {
		return nil, err
	}
	return project(t, response.Records), nil
}

// Transaction fails without calling fn: a callback cannot cross the process boundary.
// Batches sent with CreateMany, UpdateMany and DeleteMany run atomically on the host.
func (c *Client) Transaction(ctx context.Context, fn storage.TxFunc) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return fmt.Errorf("%w: transactions are not available through the bridge", storage.ErrUnsupportedOperation)
}

// AtomicTransactions is false: Transaction never runs fn. Whether a batch is
// all or nothing depends on the host backend.
func (c *Client) AtomicTransactions() bool {
	return false
}

func (c *Client) CreateMany(ctx context.Context, table string, items []storage.Record) ([]storage.Record, error) {
	t, err := c.schema.Table(table)
	if err != nil {
		return nil, err
	}
	normalized := make([]storage.Record, len(items))
	for i, item := range items {
		if normalized[i], err = t.Normalize(item); err != nil {
			return nil, err
		}
	}
	response, err := c.send(ctx, "create_many", t, bridge.Request{Type: bridge.TypeCreateMany, Table: table, Items: normalized})
	return committed(t, response, err)
}

func (c *Client) UpdateMany(ctx context.Context, table string, patches []storage.Patch) ([]storage.Record, error) {
	t, err := c.schema.Table(table)
	if err != nil {
		return nil, err
	}
	normalized := make([]storage.Patch, len(patches))
	for i, patch := range patches {
		data, err := t.Normalize(patch.Data)
		if err != nil {
			return nil, err
		}
		normalized[i] = storage.Patch{ID: patch.ID, Data: data}
	}
	response, err := c.send(ctx, "update_many", t, bridge.Request{Type: bridge.TypeUpdateMany, Table: table, Patches: normalized})
	return committed(t, response, err)
}

func (c *Client) DeleteMany(ctx context.Context, table string, ids []string) error {
	t, err := c.schema.Table(table)
	if err != nil {
		return err
	}
	_, err = c.send(ctx, "delete_many", t, bridge.Request{Type: bridge.TypeDeleteMany, Table: table, IDs: ids})
	return err
}

func (c *Client) Execute(ctx context.Context, query string, params ...any) (storage.ExecResult, error) {
	if err := c.checkOpen(); err != nil {
		return storage.ExecResult{}, err
	}
	return storage.ExecResult{}, fmt.Errorf("%w: raw queries are not available through the bridge", storage.ErrUnsupportedOperation)
}

// Close closes the channel. Later calls fail with storage.ErrNotInitialized.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.channel.Close()
}

func (c *Client) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return storage.ErrNotInitialized
	}
	return nil
}

func (c *Client) send(ctx context.Context, op string, t *schema.Table, request bridge.Request) (bridge.Response, error) {
	if err := c.checkOpen(); err != nil {
		return bridge.Response{}, err
	}
	table := ""
	if t != nil {
		table = t.Name
	}
	response, err := c.channel.Send(ctx, request)
	if err != nil {
		c.logger.Warn("bridge request failed",
			zap.String("operation", op),
			zap.String("table", table),
			zap.Error(err))
		return bridge.Response{}, storage.NewDatabaseError(op, table, err)
	}
	if !response.OK {
		if response.Error == nil {
			return bridge.Response{}, storage.NewDatabaseError(op, table, errors.New("bridge reported failure without detail"))
		}
		return response, bridge.DecodeError(op, response.Error)
	}
	return response, nil
}

// committed returns the records of a batch response. A failed batch keeps
// the records the host committed before the failure, or nil when there are none.
func committed(t *schema.Table, response bridge.Response, err error) ([]storage.Record, error) {
	if err != nil {
		if len(response.Records) == 0 {
			return nil, err
		}
		return project(t, response.Records), err
	}
	return project(t, response.Records), nil
}

func project(t *schema.Table, records []storage.Record) []storage.Record {
	out := make([]storage.Record, len(records))
	for i, record := range records {
		out[i] = t.Project(record)
	}
	return out
}
