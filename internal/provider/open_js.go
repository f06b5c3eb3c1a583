//go:build js && wasm

package provider

import (
	"context"
	"fmt"

	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/indexeddb"
)

func openRelational(context.Context, Config) (storage.Adapter, error) {
	return nil, fmt.Errorf("%w: sqlite is not available in the browser", storage.ErrUnsupportedOperation)
}

// openWebFS keeps the object store in the browser's IndexedDB database named cfg.Name.
func openWebFS(ctx context.Context, cfg WebConfig) (hackpadfs.FS, error) {
	fsys, err := indexeddb.NewFS(ctx, cfg.Name, indexeddb.Options{})
	if err != nil {
		return nil, err
	}
	return fsys, nil
}
