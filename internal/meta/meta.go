// Package meta persists server metadata that lives outside the SQL
// database: the replication frame high-water mark and the database
// access policy.
package meta

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var (
	frameNoKey        = []byte("replication/frame_no")
	databaseConfigKey = []byte("config/database")
)

// DatabaseConfig is the access policy applied to client statements.
type DatabaseConfig struct {
	BlockReads  bool   `json:"block_reads"`
	BlockWrites bool   `json:"block_writes"`
	BlockReason string `json:"block_reason,omitempty"`
}

// Store is a pebble-backed metadata store.
type Store struct {
	db *pebble.DB
}

// Open opens or creates a metadata store in dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	return open(dir, &pebble.Options{Logger: pebbleLogger{logger: loggerOrDefault(logger)}})
}

// OpenInMemory opens a store that is never written to disk.
func OpenInMemory() (*Store, error) {
	return open("", &pebble.Options{
		FS:     vfs.NewMem(),
		Logger: pebbleLogger{logger: slog.Default()},
	})
}

func open(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// FrameNo returns the persisted frame high-water mark, or 0 if none has
// been recorded.
func (s *Store) FrameNo() (uint64, error) {
	data, err := s.get(frameNoKey)
	if err != nil || data == nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("frame number: want 8 bytes, got %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// SetFrameNo records n as the frame high-water mark.
func (s *Store) SetFrameNo(n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	if err := s.db.Set(frameNoKey, buf[:], pebble.Sync); err != nil {
		return fmt.Errorf("set frame number: %w", err)
	}
	return nil
}

// DatabaseConfig returns the stored access policy. A store that has never
// had one set returns the zero policy, which blocks nothing.
func (s *Store) DatabaseConfig() (DatabaseConfig, error) {
	var cfg DatabaseConfig
	data, err := s.get(databaseConfigKey)
	if err != nil || data == nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DatabaseConfig{}, fmt.Errorf("decode database config: %w", err)
	}
	return cfg, nil
}

// SetDatabaseConfig replaces the stored access policy.
func (s *Store) SetDatabaseConfig(cfg DatabaseConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode database config: %w", err)
	}
	if err := s.db.Set(databaseConfigKey, data, pebble.Sync); err != nil {
		return fmt.Errorf("set database config: %w", err)
	}
	return nil
}

// get returns a copy of the value at key, or nil if the key is absent.
func (s *Store) get(key []byte) ([]byte, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	return append([]byte{}, data...), nil
}

// pebbleLogger routes pebble's log output through slog.
type pebbleLogger struct {
	logger *slog.Logger
}

func (l pebbleLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "pebble")
}

func (l pebbleLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.logger.Error(msg, "component", "pebble")
	panic(msg)
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
