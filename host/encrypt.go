package host

import (
	"context"
	"crypto/rand"
	"io"

	"enc-mnist/shared"
)

// ModelEncryptor seals a plaintext slice into an IV || ciphertext blob.
// Both the host driver and the TA encrypt command satisfy it.
type ModelEncryptor interface {
	Encrypt(ctx context.Context, data []byte) ([]byte, error)
}

// EncryptWithKey seals data as a single window with a fresh IV from
// random. A nil random uses crypto/rand.
func EncryptWithKey(key []byte, data []byte, random io.Reader) ([]byte, error) {
	block, err := shared.NewAESBlock(key)
	if err != nil {
		return nil, err
	}
	if random == nil {
		random = rand.Reader
	}
	var iv [shared.AESBlockSize]byte
	if _, err := io.ReadFull(random, iv[:]); err != nil {
		return nil, shared.WrapError(shared.ErrGeneric, "encrypt", err)
	}
	return shared.SealWithIV(block, iv, data, shared.SealedSize(len(data)))
}

// DecryptWithKey opens a blob produced by EncryptWithKey or the TA.
func DecryptWithKey(key []byte, blob []byte) ([]byte, error) {
	block, err := shared.NewAESBlock(key)
	if err != nil {
		return nil, err
	}
	return shared.Open(block, blob, len(blob))
}

// HostEncryptor encrypts with a key held by the host.
type HostEncryptor struct {
	key    [shared.AESKeySize]byte
	random io.Reader
}

// NewHostEncryptor copies key. A nil random uses crypto/rand.
func NewHostEncryptor(key []byte, random io.Reader) (*HostEncryptor, error) {
	if len(key) != shared.AESKeySize {
		return nil, shared.NewError(shared.ErrBadParameters, "host encryptor", "key must be %d bytes, got %d", shared.AESKeySize, len(key))
	}
	e := &HostEncryptor{random: random}
	copy(e.key[:], key)
	return e, nil
}

func (e *HostEncryptor) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return EncryptWithKey(e.key[:], data, e.random)
}
