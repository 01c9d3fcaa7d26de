package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/tg-relay-bot/internal/config"
	"github.com/tg-relay-bot/internal/middleware"
	"github.com/tg-relay-bot/internal/models"
)

// ErrStateCorrupt reports a persisted document that exists but cannot be parsed
var ErrStateCorrupt = errors.New("persisted state is corrupt")

// Storage persists the whole bot document
type Storage interface {
	// Load returns the stored document. A missing document yields an empty
	// one; an unparsable document yields an error wrapping ErrStateCorrupt.
	Load(ctx context.Context) (*models.Document, error)
	// Save atomically replaces the stored document.
	Save(ctx context.Context, doc *models.Document) error
}

// Manager selects a storage backend and records storage metrics
type Manager struct {
	storage Storage
	metrics *middleware.Metrics
	logger  *logrus.Logger
	backend string
}

// NewManager creates a storage manager for the configured backend
func NewManager(cfg *config.Config, metrics *middleware.Metrics, logger *logrus.Logger) (*Manager, error) {
	var storage Storage

	switch cfg.Storage.Type {
	case "file":
		storage = NewFileStorage(cfg.Storage.File.Path)
	case "redis":
		redisStorage, err := NewRedisStorage(cfg, logger)
		if err != nil {
			return nil, err
		}
		storage = redisStorage
	case "memory":
		storage = NewMemoryStorage()
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return NewManagerWith(storage, cfg.Storage.Type, metrics, logger), nil
}

// NewManagerWith wraps an existing backend
func NewManagerWith(storage Storage, backend string, metrics *middleware.Metrics, logger *logrus.Logger) *Manager {
	return &Manager{
		storage: storage,
		metrics: metrics,
		logger:  logger,
		backend: backend,
	}
}

// Load delegates to the backend
func (m *Manager) Load(ctx context.Context) (*models.Document, error) {
	start := time.Now()
	doc, err := m.storage.Load(ctx)
	m.record("load", err, start)
	return doc, err
}

// Save delegates to the backend
func (m *Manager) Save(ctx context.Context, doc *models.Document) error {
	start := time.Now()
	err := m.storage.Save(ctx, doc)
	m.record("save", err, start)
	if err != nil {
		return err
	}
	m.logger.WithField("backend", m.backend).Debug("Saved bot data")
	return nil
}

// LoadOrEmpty loads the document and falls back to an empty one when the
// stored state is corrupt. Other errors are returned.
func (m *Manager) LoadOrEmpty(ctx context.Context) (*models.Document, error) {
	doc, err := m.Load(ctx)
	if errors.Is(err, ErrStateCorrupt) {
		m.logger.WithError(err).WithField("backend", m.backend).Error("Persisted state unreadable, starting with empty data")
		return models.NewDocument(), nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (m *Manager) record(operation string, err error, start time.Time) {
	if m.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.metrics.RecordStorageOperation(operation, status, time.Since(start))
}

func decodeDocument(data []byte) (*models.Document, error) {
	doc := &models.Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	doc.Normalize()
	return doc, nil
}

func encodeDocument(doc *models.Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bot data: %w", err)
	}
	return append(data, '\n'), nil
}

// FileStorage keeps the document in a single JSON file
type FileStorage struct {
	path string
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (f *FileStorage) Load(ctx context.Context) (*models.Document, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return models.NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	return decodeDocument(data)
}

// Save writes to a temporary file in the same directory and renames it
// over the target, so readers see either the old or the new document.
func (f *FileStorage) Save(ctx context.Context, doc *models.Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary data file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary data file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temporary data file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary data file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move data file into place: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// RedisStorage keeps the document as one JSON value under a single key
type RedisStorage struct {
	client *redis.Client
	key    string
	logger *logrus.Logger
}

func NewRedisStorage(cfg *config.Config, logger *logrus.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		client: client,
		key:    cfg.Storage.Redis.Key,
		logger: logger,
	}, nil
}

func (r *RedisStorage) Load(ctx context.Context) (*models.Document, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return models.NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from redis: %w", r.key, err)
	}
	return decodeDocument(data)
}

func (r *RedisStorage) Save(ctx context.Context, doc *models.Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	// No expiration: the document is the bot's only copy of its state.
	return r.client.Set(ctx, r.key, data, 0).Err()
}

// MemoryStorage keeps the encoded document in process memory
type MemoryStorage struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Load(ctx context.Context) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return models.NewDocument(), nil
	}
	return decodeDocument(m.data)
}

func (m *MemoryStorage) Save(ctx context.Context, doc *models.Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}
