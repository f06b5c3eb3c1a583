//go:build !(js && wasm)

package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/TKKRTKY/brain-feed-reader/internal/drivers/relational"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"
	osfs "github.com/hack-pad/hackpadfs/os"
)

func openRelational(ctx context.Context, cfg Config) (storage.Adapter, error) {
	driver, err := relational.Open(ctx, relational.Config{
		Filename:      cfg.Desktop.Filename,
		Verbose:       cfg.Desktop.Verbose,
		FileMustExist: cfg.Desktop.FileMustExist,
		Schema:        cfg.Schema,
		IDProvider:    cfg.IDProvider,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return driver, nil
}

// openWebFS backs the object store with memory, or with Dir on disk when set.
func openWebFS(_ context.Context, cfg WebConfig) (hackpadfs.FS, error) {
	if cfg.Dir == "" {
		fsys, err := mem.NewFS()
		if err != nil {
			return nil, err
		}
		return fsys, nil
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	return osfs.NewFS().Sub(strings.TrimPrefix(filepath.ToSlash(dir), "/"))
}
