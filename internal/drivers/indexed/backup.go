package indexed

import (
	"context"
	"encoding/json"
	"path"

	"github.com/TKKRTKY/brain-feed-reader/internal/objectstore"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"github.com/hack-pad/hackpadfs"
	"go.uber.org/zap"
)

// Snapshot is the JSON document Backup writes.
type Snapshot struct {
	Database string                      `json:"database"`
	Version  int                         `json:"version"`
	Stores   map[string][]storage.Record `json:"stores"`
}

// Backup exports every store to destination on the driver's filesystem.
func (d *Driver) Backup(ctx context.Context, destination string) error {
	db, err := d.conn(ctx)
	if err != nil {
		return err
	}
	snapshot := Snapshot{
		Database: d.name,
		Version:  db.Version(),
		Stores:   map[string][]storage.Record{},
	}
	err = d.run(ctx, objectstore.ReadOnly, nil, func(tx *objectstore.Tx) error {
		for _, name := range db.ObjectStoreNames() {
			store, err := tx.ObjectStore(name)
			if err != nil {
				return err
			}
			values, err := objectstore.Result[[]map[string]any](ctx, store.GetAll(nil))
			if err != nil {
				return err
			}
			records := make([]storage.Record, len(values))
			for i, value := range values {
				records[i] = storage.Record(value)
			}
			snapshot.Stores[name] = records
		}
		return nil
	})
	if err != nil {
		return translate("backup", "", err)
	}
	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return storage.NewDatabaseError("backup", "", err)
	}
	if dir := path.Dir(destination); dir != "." {
		if err := hackpadfs.MkdirAll(d.fs, dir, 0o755); err != nil {
			return storage.NewDatabaseError("backup", "", err)
		}
	}
	if err := hackpadfs.WriteFullFile(d.fs, destination, raw, 0o644); err != nil {
		return storage.NewDatabaseError("backup", "", err)
	}
	d.logger.Info("object store exported",
		zap.String("database", d.name),
		zap.String("destination", destination),
		zap.Int("stores", len(snapshot.Stores)))
	return nil
}

// ReadSnapshot loads a file written by Backup.
func ReadSnapshot(fsys hackpadfs.FS, source string) (Snapshot, error) {
	raw, err := hackpadfs.ReadFile(fsys, source)
	if err != nil {
		return Snapshot{}, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}
