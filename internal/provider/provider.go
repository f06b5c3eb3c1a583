// Package provider picks the storage backend for the detected platform,
// opens it, keeps its schema migrated and hands the adapter to the rest of
// the application.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/TKKRTKY/brain-feed-reader/internal/config"
	"github.com/TKKRTKY/brain-feed-reader/internal/drivers/indexed"
	"github.com/TKKRTKY/brain-feed-reader/internal/drivers/remote"
	"github.com/TKKRTKY/brain-feed-reader/internal/events"
	"github.com/TKKRTKY/brain-feed-reader/internal/migration"
	"github.com/TKKRTKY/brain-feed-reader/internal/platform"
	"github.com/TKKRTKY/brain-feed-reader/internal/schema"
	"github.com/TKKRTKY/brain-feed-reader/internal/storage"
	"go.uber.org/zap"
)

const (
	DefaultWebName    = indexed.DefaultName
	DefaultWebVersion = 1
	DefaultFilename   = "brain-feed.db"
)

var (
	errUnknownStorage = errors.New("provider: unknown storage type")
	errMissingBridge  = errors.New("provider: remote storage needs a bridge url or socket")
)

type WebConfig struct {
	Name    string
	Version int
	Dir     string
}

type DesktopConfig struct {
	Filename      string
	Verbose       bool
	FileMustExist bool
}

// RemoteConfig locates the host bridge. Socket wins when both are set.
type RemoteConfig struct {
	URL        string
	Socket     string
	Token      string
	HTTPClient *http.Client
}

// Config carries everything the provider needs to open any backend.
type Config struct {
	Web        WebConfig
	Desktop    DesktopConfig
	Remote     RemoteConfig
	Schema     *schema.Schema
	Migrations []migration.Migration
	IDProvider storage.IDProvider
	Logger     *zap.Logger
	Clock      func() time.Time
}

// FromAppConfig maps loaded application settings onto a provider Config.
func FromAppConfig(cfg config.AppConfig, logger *zap.Logger) Config {
	return Config{
		Web: WebConfig{Name: cfg.Web.Name, Version: cfg.Web.Version, Dir: cfg.Web.Dir},
		Desktop: DesktopConfig{
			Filename:      cfg.Desktop.Filename,
			Verbose:       cfg.Desktop.Verbose,
			FileMustExist: cfg.Desktop.FileMustExist,
		},
		Remote: RemoteConfig{URL: cfg.Bridge.URL, Socket: cfg.Bridge.Socket, Token: cfg.Bridge.Token},
		Logger: logger,
	}
}

// Status reports the provider's backend and schema position.
type Status struct {
	Platform       platform.Info `json:"platform"`
	Ready          bool          `json:"ready"`
	CurrentVersion int           `json:"current_version"`
	LatestVersion  int           `json:"latest_version"`
	Pending        []int         `json:"pending"`
	// HostManaged is set for remote storage, whose schema belongs to the host process.
	HostManaged bool `json:"host_managed"`
}

// Provider owns one backend connection for the process lifetime.
type Provider struct {
	cfg    Config
	info   platform.Info
	logger *zap.Logger
	bus    *events.Bus

	mu          sync.Mutex
	ready       chan struct{}
	initialized bool
	closed      bool
	driver      storage.Adapter
	observed    *events.ObservedAdapter
	migrations  *migration.Manager
}

// New validates cfg for the storage type in info. Nothing is opened until Initialize.
func New(cfg Config, info platform.Info) (*Provider, error) {
	if strings.TrimSpace(cfg.Web.Name) == "" {
		cfg.Web.Name = DefaultWebName
	}
	if cfg.Web.Version <= 0 {
		cfg.Web.Version = DefaultWebVersion
	}
	if strings.TrimSpace(cfg.Desktop.Filename) == "" {
		cfg.Desktop.Filename = DefaultFilename
	}
	if cfg.Schema == nil {
		cfg.Schema = schema.Default()
	}
	if cfg.Migrations == nil {
		cfg.Migrations = migration.Catalog()
	}
	if cfg.IDProvider == nil {
		cfg.IDProvider = storage.NewUUIDProvider()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	switch info.StorageType {
	case platform.StorageIndexedDB, platform.StorageSQLite:
	case platform.StorageRemote:
		if strings.TrimSpace(cfg.Remote.URL) == "" && strings.TrimSpace(cfg.Remote.Socket) == "" {
			return nil, storage.NewInitializationError(info, errMissingBridge)
		}
	default:
		return nil, storage.NewInitializationError(info, fmt.Errorf("%w: %q", errUnknownStorage, info.StorageType))
	}
	return &Provider{
		cfg:    cfg,
		info:   info,
		logger: cfg.Logger.With(zap.String("platform", info.String())),
		bus:    events.NewBus(),
		ready:  make(chan struct{}),
	}, nil
}

// Start builds a provider, opens it and migrates it to the latest version.
func Start(ctx context.Context, cfg Config, info platform.Info) (*Provider, error) {
	p, err := New(cfg, info)
	if err != nil {
		return nil, err
	}
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}
	if _, err := p.Migrate(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Provider) Platform() platform.Info {
	return p.info
}

// Ready is closed once Initialize succeeds.
func (p *Provider) Ready() <-chan struct{} {
	return p.ready
}

// Initialize opens the backend. Later calls return nil without reopening.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return storage.NewInitializationError(p.info, storage.ErrNotInitialized)
	}
	if p.initialized {
		return nil
	}
	driver, err := p.open(ctx)
	if err != nil {
		p.logger.Error("storage initialization failed", zap.Error(err))
		return storage.NewInitializationError(p.info, err)
	}
	if p.info.StorageType != platform.StorageRemote {
		manager, err := migration.NewManager(migration.Config{
			Adapter:    driver,
			Migrations: p.cfg.Migrations,
			Platform:   p.info,
			Logger:     p.logger,
			Clock:      p.cfg.Clock,
		})
		if err != nil {
			_ = driver.Close()
			return storage.NewInitializationError(p.info, err)
		}
		p.migrations = manager
	}
	p.driver = driver
	p.observed = events.Observe(driver, p.cfg.Schema, p.bus, p.cfg.Clock)
	p.initialized = true
	close(p.ready)
	p.logger.Info("storage initialized")
	return nil
}

func (p *Provider) open(ctx context.Context) (storage.Adapter, error) {
	switch p.info.StorageType {
	case platform.StorageIndexedDB:
		return p.openIndexed(ctx)
	case platform.StorageSQLite:
		return openRelational(ctx, p.cfg)
	case platform.StorageRemote:
		return p.openRemote(ctx)
	}
	return nil, fmt.Errorf("%w: %q", errUnknownStorage, p.info.StorageType)
}

func (p *Provider) openIndexed(ctx context.Context) (storage.Adapter, error) {
	fsys, err := openWebFS(ctx, p.cfg.Web)
	if err != nil {
		return nil, fmt.Errorf("open web filesystem: %w", err)
	}
	driver, err := indexed.New(indexed.Config{
		Name:       p.cfg.Web.Name,
		Version:    p.cfg.Web.Version,
		FS:         fsys,
		Schema:     p.cfg.Schema,
		IDProvider: p.cfg.IDProvider,
		Logger:     p.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := driver.Initialize(ctx); err != nil {
		return nil, err
	}
	return driver, nil
}

func (p *Provider) openRemote(ctx context.Context) (storage.Adapter, error) {
	var channel remote.Channel
	if socket := strings.TrimSpace(p.cfg.Remote.Socket); socket != "" {
		socketChannel, err := remote.DialSocket(ctx, socket)
		if err != nil {
			return nil, err
		}
		channel = socketChannel
	} else {
		httpChannel, err := remote.NewHTTPChannel(p.cfg.Remote.URL, p.cfg.Remote.Token, p.cfg.Remote.HTTPClient)
		if err != nil {
			return nil, err
		}
		channel = httpChannel
	}
	client, err := remote.New(channel, p.cfg.Schema, p.cfg.Logger)
	if err != nil {
		_ = channel.Close()
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("reach storage bridge: %w", err)
	}
	return client, nil
}

// Adapter returns the storage adapter. Writes through it are published to subscribers.
func (p *Provider) Adapter() (storage.Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized || p.closed {
		return nil, storage.ErrNotInitialized
	}
	return p.observed, nil
}

func (p *Provider) current() (storage.Adapter, *migration.Manager, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized || p.closed {
		return nil, nil, storage.ErrNotInitialized
	}
	return p.driver, p.migrations, nil
}

// Migrate applies pending migrations and returns how many ran. Remote
// storage is migrated by its host and reports zero.
func (p *Provider) Migrate(ctx context.Context) (int, error) {
	_, manager, err := p.current()
	if err != nil {
		return 0, storage.NewMigrationError(p.info, "migrate", err)
	}
	if manager == nil {
		return 0, nil
	}
	return manager.Migrate(ctx)
}

// Rollback reverts migrations above target.
func (p *Provider) Rollback(ctx context.Context, target int) (int, error) {
	_, manager, err := p.current()
	if err != nil {
		return 0, storage.NewMigrationError(p.info, "rollback", err)
	}
	if manager == nil {
		return 0, storage.NewMigrationError(p.info, "rollback", fmt.Errorf("%w: the host owns the schema", storage.ErrUnsupportedOperation))
	}
	return manager.Rollback(ctx, target)
}

// Status reports readiness and the applied and pending schema versions.
func (p *Provider) Status(ctx context.Context) (Status, error) {
	status := Status{Platform: p.info, Pending: []int{}}
	_, manager, err := p.current()
	if err != nil {
		return status, nil
	}
	status.Ready = true
	if manager == nil {
		status.HostManaged = true
		return status, nil
	}
	status.LatestVersion = manager.LatestVersion()
	if status.CurrentVersion, err = manager.GetCurrentVersion(ctx); err != nil {
		return status, err
	}
	pending, err := manager.Pending(ctx)
	if err != nil {
		return status, err
	}
	for _, m := range pending {
		status.Pending = append(status.Pending, m.Version)
	}
	return status, nil
}

// Backup writes a copy of the database to destination.
func (p *Provider) Backup(ctx context.Context, destination string) error {
	driver, _, err := p.current()
	if err != nil {
		return storage.NewOperationError(p.info, "backup", err)
	}
	backupper, ok := driver.(storage.Backupper)
	if !ok {
		return storage.NewOperationError(p.info, "backup", fmt.Errorf("%w: %s storage cannot be backed up here", storage.ErrUnsupportedOperation, p.info.StorageType))
	}
	if err := backupper.Backup(ctx, destination); err != nil {
		return storage.NewOperationError(p.info, "backup", err)
	}
	return nil
}

// Subscribe streams committed changes to table. An empty table streams every change.
func (p *Provider) Subscribe(ctx context.Context, table string) (<-chan events.Change, func()) {
	return p.bus.Subscribe(ctx, table)
}

// Close closes the backend. The adapter fails with storage.ErrNotInitialized afterwards.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.driver == nil {
		return nil
	}
	err := p.driver.Close()
	p.logger.Info("storage closed")
	return err
}
