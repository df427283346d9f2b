package enclave

import (
	"crypto/cipher"
	"crypto/rand"
	"io"

	"enc-mnist/shared"
)

// KeyManager owns the single active AES-256 key and the CBC scheme built on
// it. It is not safe for concurrent use; EnclaveState guards it.
type KeyManager struct {
	key    []byte
	block  cipher.Block
	random io.Reader
	window int
}

// NewKeyManager returns a key manager with no active key. A nil random
// uses crypto/rand.
func NewKeyManager(random io.Reader) *KeyManager {
	if random == nil {
		random = rand.Reader
	}
	return &KeyManager{random: random, window: shared.ChunkSize}
}

// Generate draws a fresh key, installs it and returns a copy for
// persistence.
func (km *KeyManager) Generate() ([]byte, error) {
	key := make([]byte, shared.AESKeySize)
	if _, err := io.ReadFull(km.random, key); err != nil {
		return nil, shared.WrapError(shared.ErrGeneric, "generate key", err)
	}
	if err := km.Import(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Import installs key, replacing any active key.
func (km *KeyManager) Import(key []byte) error {
	block, err := shared.NewAESBlock(key)
	if err != nil {
		return err
	}
	km.Clear()
	km.key = append([]byte(nil), key...)
	km.block = block
	return nil
}

// Export returns a copy of the active key.
func (km *KeyManager) Export() ([]byte, error) {
	if km.key == nil {
		return nil, shared.NewError(shared.ErrItemNotFound, "export key", "no active key")
	}
	return append([]byte(nil), km.key...), nil
}

func (km *KeyManager) HasKey() bool {
	return km.key != nil
}

// Clear wipes the active key.
func (km *KeyManager) Clear() {
	wipe(km.key)
	km.key = nil
	km.block = nil
}

// Encrypt seals plaintext under a fresh random IV. A key is generated when
// none is active; the caller is responsible for persisting it.
func (km *KeyManager) Encrypt(plaintext []byte) ([]byte, error) {
	if km.block == nil {
		if _, err := km.Generate(); err != nil {
			return nil, err
		}
	}
	var iv [shared.AESBlockSize]byte
	if _, err := io.ReadFull(km.random, iv[:]); err != nil {
		return nil, shared.WrapError(shared.ErrGeneric, "generate iv", err)
	}
	return shared.SealWithIV(km.block, iv, plaintext, km.window)
}

// Decrypt opens a blob produced by Encrypt or by the host driver.
func (km *KeyManager) Decrypt(blob []byte) ([]byte, error) {
	if km.block == nil {
		return nil, shared.NewError(shared.ErrItemNotFound, "decrypt", "no active key")
	}
	return shared.Open(km.block, blob, km.window)
}

// EncryptChunk encrypts one block-aligned window, advancing iv.
func (km *KeyManager) EncryptChunk(input []byte, iv *[shared.AESBlockSize]byte) ([]byte, error) {
	if km.block == nil {
		return nil, shared.NewError(shared.ErrItemNotFound, "encrypt chunk", "no active key")
	}
	return shared.EncryptWindow(km.block, input, iv)
}

// DecryptChunk decrypts one block-aligned window, advancing iv.
func (km *KeyManager) DecryptChunk(input []byte, iv *[shared.AESBlockSize]byte) ([]byte, error) {
	if km.block == nil {
		return nil, shared.NewError(shared.ErrItemNotFound, "decrypt chunk", "no active key")
	}
	return shared.DecryptWindow(km.block, input, iv)
}

// NewDecrypter starts a streaming decrypt under the active key.
func (km *KeyManager) NewDecrypter() (*shared.ChainedDecrypter, error) {
	if km.key == nil {
		return nil, shared.NewError(shared.ErrItemNotFound, "decrypt", "no active key")
	}
	return shared.NewChainedDecrypter(km.key)
}
