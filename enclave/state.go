package enclave

import (
	"crypto/cipher"
	"io"
	"sync"

	"enc-mnist/inference"
	"enc-mnist/shared"

	"go.uber.org/zap"
)

// EnclaveState is everything the dispatcher shares between sessions. The
// resident model, the load buffer and the key handle each have their own
// lock and no method holds two of them at once.
type EnclaveState struct {
	modelMu sync.RWMutex
	model   *inference.Model

	loader *ModelLoader

	keyMu      sync.Mutex
	keys       *KeyManager
	provenance shared.KeyProvenance

	storage SecureStorage
	logger  *shared.Logger
}

// NewEnclaveState wires the state to its storage and random source.
func NewEnclaveState(storage SecureStorage, random io.Reader, logger *shared.Logger) *EnclaveState {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &EnclaveState{
		loader:  NewModelLoader(),
		keys:    NewKeyManager(random),
		storage: storage,
		logger:  logger,
	}
}

// resolveKeyLocked makes a key active, restoring it from storage if
// needed. Caller holds keyMu.
func (s *EnclaveState) resolveKeyLocked() error {
	if s.keys.HasKey() {
		return nil
	}
	if !KeyExists(s.storage) {
		return shared.NewError(shared.ErrItemNotFound, "resolve key", "no key provisioned")
	}
	key, err := LoadKey(s.storage)
	if err != nil {
		return err
	}
	if err := s.keys.Import(key); err != nil {
		return err
	}
	s.provenance = shared.KeyRestored
	s.logger.InfoIf("Key restored from secure storage")
	return nil
}

// ResolveKey fails with ItemNotFound when no key was ever provisioned.
func (s *EnclaveState) ResolveKey() error {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	return s.resolveKeyLocked()
}

// ensureKeyLocked resolves a key or generates and persists a new one.
func (s *EnclaveState) ensureKeyLocked() error {
	err := s.resolveKeyLocked()
	if err == nil || shared.KindOf(err) != shared.ErrItemNotFound {
		return err
	}
	key, err := s.keys.Generate()
	if err != nil {
		return err
	}
	if err := StoreKey(s.storage, key); err != nil {
		s.keys.Clear()
		return err
	}
	s.provenance = shared.KeyGenerated
	s.logger.Security("Generated and persisted new TA key")
	return nil
}

// Encrypt seals plaintext under the active key, generating one if none
// exists yet.
func (s *EnclaveState) Encrypt(plaintext []byte) ([]byte, error) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	if err := s.ensureKeyLocked(); err != nil {
		return nil, err
	}
	return s.keys.Encrypt(plaintext)
}

// InstallKey persists key and makes it active. The active key is left
// untouched if persisting fails.
func (s *EnclaveState) InstallKey(key []byte) error {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	if _, err := shared.NewAESBlock(key); err != nil {
		return err
	}
	if err := StoreKey(s.storage, key); err != nil {
		return err
	}
	if err := s.keys.Import(key); err != nil {
		return err
	}
	s.provenance = shared.KeyImported
	return nil
}

// ExportStoredKey returns the persisted key.
func (s *EnclaveState) ExportStoredKey() ([]byte, error) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	if !KeyExists(s.storage) {
		return nil, shared.NewError(shared.ErrItemNotFound, "export key", "no key in secure storage")
	}
	return LoadKey(s.storage)
}

// KeyStatus reports the provenance of the active key and whether a key is
// persisted.
func (s *EnclaveState) KeyStatus() (shared.KeyProvenance, bool) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	return s.provenance, KeyExists(s.storage)
}

// keySnapshot resolves the key and returns a cipher bound to it, so a load
// keeps using the key it began with. The exported copy is wiped once the
// cipher is expanded.
func (s *EnclaveState) keySnapshot() (cipher.Block, error) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	if err := s.resolveKeyLocked(); err != nil {
		return nil, err
	}
	key, err := s.keys.Export()
	if err != nil {
		return nil, err
	}
	defer wipe(key)
	return shared.NewAESBlock(key)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Model returns the resident model, recovering it from secure storage after
// a restart. CorruptObject means no model is available.
func (s *EnclaveState) Model() (*inference.Model, error) {
	s.modelMu.RLock()
	m := s.model
	s.modelMu.RUnlock()
	if m != nil {
		return m, nil
	}

	s.modelMu.Lock()
	defer s.modelMu.Unlock()
	if s.model != nil {
		return s.model, nil
	}
	if !ModelBytesExist(s.storage) {
		return nil, shared.NewError(shared.ErrCorruptObject, "load model", "no resident or persisted model")
	}
	record, err := LoadModelBytes(s.storage)
	if err != nil {
		return nil, err
	}
	m, err = inference.Import(record)
	if err != nil {
		s.logger.Critical("Persisted model failed to import", zap.Error(err))
		return nil, shared.WrapError(shared.ErrCorruptObject, "load model", err)
	}
	s.model = m
	s.logger.InfoIf("Model recovered from secure storage", zap.String("size", shared.FormatBytes(len(record))))
	return m, nil
}

// InstallModel replaces the resident model.
func (s *EnclaveState) InstallModel(m *inference.Model) {
	s.modelMu.Lock()
	s.model = m
	s.modelMu.Unlock()
}

// Loader exposes the model load state machine.
func (s *EnclaveState) Loader() *ModelLoader {
	return s.loader
}
