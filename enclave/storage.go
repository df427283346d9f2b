package enclave

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"sync"

	"enc-mnist/shared"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

// SecureStorage is the enclave-private durable object store. Objects are
// addressed by the fixed identifiers in shared and written with overwrite
// semantics.
type SecureStorage interface {
	Store(id string, data []byte) error
	Load(id string) ([]byte, error)
	// Exists never fails; any error reads as absent.
	Exists(id string) bool
	Close() error
}

const objectHeaderSize = 8

func checkObjectID(op, id string) error {
	switch id {
	case shared.ObjectAESKey, shared.ObjectModel:
		return nil
	default:
		return shared.NewError(shared.ErrBadParameters, op, "unknown object id %q", id)
	}
}

// encodeObject prefixes data with its declared size.
func encodeObject(data []byte) []byte {
	obj := make([]byte, objectHeaderSize+len(data))
	binary.BigEndian.PutUint64(obj[:objectHeaderSize], uint64(len(data)))
	copy(obj[objectHeaderSize:], data)
	return obj
}

// decodeObject checks the stored bytes against the declared size.
func decodeObject(id string, obj []byte) ([]byte, error) {
	if len(obj) < objectHeaderSize {
		return nil, shared.NewError(shared.ErrShortBuffer, "load object", "%s: header truncated", id)
	}
	declared := binary.BigEndian.Uint64(obj[:objectHeaderSize])
	body := obj[objectHeaderSize:]
	if uint64(len(body)) < declared {
		return nil, shared.NewError(shared.ErrShortBuffer, "load object", "%s: read %d of %d bytes", id, len(body), declared)
	}
	return body[:declared], nil
}

// StoreKey persists the AES key object.
func StoreKey(s SecureStorage, key []byte) error {
	if len(key) != shared.AESKeySize {
		return shared.NewError(shared.ErrBadParameters, "store key", "key must be %d bytes, got %d", shared.AESKeySize, len(key))
	}
	return s.Store(shared.ObjectAESKey, key)
}

// LoadKey reads the AES key object. Anything but 32 bytes is rejected.
func LoadKey(s SecureStorage) ([]byte, error) {
	key, err := s.Load(shared.ObjectAESKey)
	if err != nil {
		return nil, err
	}
	if len(key) != shared.AESKeySize {
		return nil, shared.NewError(shared.ErrBadParameters, "load key", "stored key is %d bytes", len(key))
	}
	return key, nil
}

func KeyExists(s SecureStorage) bool {
	return s.Exists(shared.ObjectAESKey)
}

func StoreModelBytes(s SecureStorage, model []byte) error {
	return s.Store(shared.ObjectModel, model)
}

func LoadModelBytes(s SecureStorage) ([]byte, error) {
	return s.Load(shared.ObjectModel)
}

func ModelBytesExist(s SecureStorage) bool {
	return s.Exists(shared.ObjectModel)
}

// MemoryStorage keeps objects in process memory. It does not survive a
// restart and exists for tests and throwaway deployments.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func (m *MemoryStorage) Store(id string, data []byte) error {
	if err := checkObjectID("store object", id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[id] = encodeObject(data)
	return nil
}

func (m *MemoryStorage) Load(id string) ([]byte, error) {
	if err := checkObjectID("load object", id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	obj, ok := m.objects[id]
	m.mu.RUnlock()
	if !ok {
		return nil, shared.NewError(shared.ErrItemNotFound, "load object", "%s", id)
	}
	return decodeObject(id, obj)
}

func (m *MemoryStorage) Exists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[id]
	return ok
}

func (m *MemoryStorage) Close() error { return nil }

// truncate drops trailing bytes of a stored object.
func (m *MemoryStorage) truncate(id string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[id]; ok && n < len(obj) {
		m.objects[id] = obj[:len(obj)-n]
	}
}

// BadgerConfig configures the badger backed store.
type BadgerConfig struct {
	Dir        string
	InMemory   bool
	SealSecret string
}

// BadgerStorage persists objects in a badger database with synchronous
// writes. When a seal secret is configured the database is encrypted at
// rest with a key derived from it.
type BadgerStorage struct {
	db     *badger.DB
	logger *zap.Logger
}

const (
	objectKeyPrefix = "obj:"
	sealInfo        = "enc-mnist secure storage v1"
)

// DeriveSealKey expands a deployment secret into a badger encryption key.
func DeriveSealKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, shared.NewError(shared.ErrBadParameters, "derive seal key", "empty secret")
	}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(sealInfo))
	key := make([]byte, shared.AESKeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, shared.WrapError(shared.ErrGeneric, "derive seal key", err)
	}
	return key, nil
}

// OpenBadgerStorage opens or creates the store.
func OpenBadgerStorage(cfg BadgerConfig, logger *zap.Logger) (*BadgerStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(cfg.Dir).
		WithSyncWrites(true).
		WithLogger(badgerLogger{logger.Sugar()})
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if cfg.SealSecret != "" {
		key, err := DeriveSealKey(cfg.SealSecret)
		if err != nil {
			return nil, err
		}
		opts = opts.WithEncryptionKey(key).WithIndexCacheSize(16 << 20)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, shared.WrapError(shared.ErrGeneric, "open storage", err)
	}
	logger.Info("Secure storage opened",
		zap.String("dir", cfg.Dir),
		zap.Bool("in_memory", cfg.InMemory),
		zap.Bool("sealed", cfg.SealSecret != ""))
	return &BadgerStorage{db: db, logger: logger}, nil
}

func (b *BadgerStorage) Store(id string, data []byte) error {
	if err := checkObjectID("store object", id); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(objectKeyPrefix+id), encodeObject(data))
	})
	if err != nil {
		return shared.WrapError(shared.ErrGeneric, "store object", err)
	}
	return nil
}

func (b *BadgerStorage) Load(id string) ([]byte, error) {
	if err := checkObjectID("load object", id); err != nil {
		return nil, err
	}
	var obj []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(objectKeyPrefix + id))
		if err != nil {
			return err
		}
		obj, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, shared.NewError(shared.ErrItemNotFound, "load object", "%s", id)
	}
	if err != nil {
		return nil, shared.WrapError(shared.ErrGeneric, "load object", err)
	}
	return decodeObject(id, obj)
}

func (b *BadgerStorage) Exists(id string) bool {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(objectKeyPrefix + id))
		return err
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		b.logger.Warn("Storage existence check failed", zap.String("object", id), zap.Error(err))
	}
	return err == nil
}

func (b *BadgerStorage) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's own logging into zap. Badger's info output
// is demoted to debug.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, args ...interface{}) {
	l.s.Errorf(strings.TrimSpace(f), args...)
}

func (l badgerLogger) Warningf(f string, args ...interface{}) {
	l.s.Warnf(strings.TrimSpace(f), args...)
}

func (l badgerLogger) Infof(f string, args ...interface{}) {
	l.s.Debugf(strings.TrimSpace(f), args...)
}

func (l badgerLogger) Debugf(f string, args ...interface{}) {
	l.s.Debugf(strings.TrimSpace(f), args...)
}
