package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"go.uber.org/zap"
)

var (
	errMissingAdapter = errors.New("storage adapter dependency required")
)

// Dispatcher executes bridge requests against the host's adapter.
type Dispatcher struct {
	adapter storage.Adapter
	logger  *zap.Logger
}

func NewDispatcher(adapter storage.Adapter, logger *zap.Logger) (*Dispatcher, error) {
	if adapter == nil {
		return nil, errMissingAdapter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{adapter: adapter, logger: logger}, nil
}

// Dispatch performs one request. Batch requests run inside one host
// transaction, so on a transactional backend the batch is all or nothing.
// Otherwise a failed batch answers with the records it committed.
func (d *Dispatcher) Dispatch(ctx context.Context, request Request) Response {
	if err := validate(request); err != nil {
		return failure(request, err, nil)
	}
	response := Response{RequestID: request.RequestID, OK: true}
	var err error
	switch request.Type {
	case TypePing:
	case TypeCreate:
		response.Data, err = d.adapter.Create(ctx, request.Table, request.Data)
	case TypeRead:
		response.Data, err = d.adapter.Read(ctx, request.Table, request.ID)
	case TypeUpdate:
		response.Data, err = d.adapter.Update(ctx, request.Table, request.ID, request.Data)
	case TypeDelete:
		err = d.adapter.Delete(ctx, request.Table, request.ID)
	case TypeQuery:
		response.Records, err = d.adapter.Query(ctx, request.Table, request.Filter)
		if err == nil && response.Records == nil {
			response.Records = []storage.Record{}
		}
	case TypeFindOne:
		response.Data, err = d.adapter.FindOne(ctx, request.Table, request.Filter)
	case TypeQueryRange:
		response.Records, err = d.queryRange(ctx, request)
	case TypeCreateMany, TypeUpdateMany, TypeDeleteMany:
		response.Records, err = d.batch(ctx, request)
	default:
		err = fmt.Errorf("%w: request type %q", storage.ErrUnsupportedOperation, request.Type)
	}
	if err != nil {
		d.logError(request, err)
		return failure(request, err, response.Records)
	}
	return response
}

func (d *Dispatcher) queryRange(ctx context.Context, request Request) ([]storage.Record, error) {
	ranger, ok := d.adapter.(storage.RangeQuerier)
	if !ok {
		return nil, fmt.Errorf("%w: ranged queries", storage.ErrUnsupportedOperation)
	}
	var options storage.QueryOptions
	if request.Options != nil {
		options = *request.Options
	}
	records, err := ranger.QueryRange(ctx, request.Table, options)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []storage.Record{}
	}
	return records, nil
}

func (d *Dispatcher) batch(ctx context.Context, request Request) ([]storage.Record, error) {
	var records []storage.Record
	err := d.adapter.Transaction(ctx, func(ctx context.Context, tx storage.Adapter) error {
		var err error
		switch request.Type {
		case TypeCreateMany:
			records, err = tx.CreateMany(ctx, request.Table, request.Items)
		case TypeUpdateMany:
			records, err = tx.UpdateMany(ctx, request.Table, request.Patches)
		case TypeDeleteMany:
			err = tx.DeleteMany(ctx, request.Table, request.IDs)
		}
		return err
	})
	if err != nil {
		if storage.RollsBack(d.adapter) || len(records) == 0 {
			return nil, err
		}
		return records, err
	}
	if records == nil {
		records = []storage.Record{}
	}
	return records, nil
}

func validate(request Request) error {
	if request.Type == TypePing {
		return nil
	}
	if strings.TrimSpace(request.Table) == "" {
		return fmt.Errorf("%w: table is required", storage.ErrInvalidRecord)
	}
	switch request.Type {
	case TypeRead, TypeUpdate, TypeDelete:
		if strings.TrimSpace(request.ID) == "" {
			return fmt.Errorf("%w: ID is required for %s", storage.ErrInvalidRecord, request.Type)
		}
	case TypeCreate:
		if request.Data == nil {
			return fmt.Errorf("%w: data is required for %s", storage.ErrInvalidRecord, request.Type)
		}
	case TypeUpdateMany:
		for _, patch := range request.Patches {
			if strings.TrimSpace(patch.ID) == "" {
				return fmt.Errorf("%w: ID is required for every patch", storage.ErrInvalidRecord)
			}
		}
	case TypeDeleteMany:
		for _, id := range request.IDs {
			if strings.TrimSpace(id) == "" {
				return fmt.Errorf("%w: ID is required for every delete", storage.ErrInvalidRecord)
			}
		}
	}
	return nil
}

func (d *Dispatcher) logError(request Request, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	d.logger.Warn("bridge request failed",
		zap.String("operation", string(request.Type)),
		zap.String("table", request.Table),
		zap.Error(err))
}
