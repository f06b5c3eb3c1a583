package objectstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/hack-pad/hackpadfs"
)

const (
	metaFile = "meta.json"
	dataDir  = "data"
	indexDir = "index"
)

type indexMeta struct {
	KeyPath []string `json:"key_path"`
	Unique  bool     `json:"unique,omitempty"`
}

type storeMeta struct {
	KeyPath []string              `json:"key_path"`
	Indexes map[string]*indexMeta `json:"indexes"`
}

type dbMeta struct {
	Version int                   `json:"version"`
	Stores  map[string]*storeMeta `json:"stores"`
}

func (m *dbMeta) clone() *dbMeta {
	out := &dbMeta{Version: m.Version, Stores: make(map[string]*storeMeta, len(m.Stores))}
	for name, store := range m.Stores {
		copied := &storeMeta{
			KeyPath: append([]string(nil), store.KeyPath...),
			Indexes: make(map[string]*indexMeta, len(store.Indexes)),
		}
		for indexName, idx := range store.Indexes {
			copied.Indexes[indexName] = &indexMeta{KeyPath: append([]string(nil), idx.KeyPath...), Unique: idx.Unique}
		}
		out.Stores[name] = copied
	}
	return out
}

func (m *dbMeta) storeNames() []string {
	names := make([]string, 0, len(m.Stores))
	for name := range m.Stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateName(name string) error {
	if name == "" || name == "." || strings.ContainsAny(name, `/\`) || !fs.ValidPath(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func loadMeta(fsys hackpadfs.FS, dbName string) (*dbMeta, error) {
	raw, err := hackpadfs.ReadFile(fsys, path.Join(dbName, metaFile))
	if errors.Is(err, hackpadfs.ErrNotExist) {
		return &dbMeta{Stores: map[string]*storeMeta{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var meta dbMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("objectstore: corrupt metadata for %q: %w", dbName, err)
	}
	if meta.Stores == nil {
		meta.Stores = map[string]*storeMeta{}
	}
	return &meta, nil
}

func saveMeta(fsys hackpadfs.FS, dbName string, meta *dbMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := hackpadfs.MkdirAll(fsys, dbName, 0o755); err != nil {
		return err
	}
	return hackpadfs.WriteFullFile(fsys, path.Join(dbName, metaFile), raw, 0o644)
}

// DatabaseVersion reports the stored version of name, or 0 when it does not exist.
func DatabaseVersion(fsys hackpadfs.FS, name string) (int, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	meta, err := loadMeta(fsys, name)
	if err != nil {
		return 0, err
	}
	return meta.Version, nil
}
