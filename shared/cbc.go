package shared

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"math"
)

// NewAESBlock returns an AES-256 block cipher for key.
func NewAESBlock(key []byte) (cipher.Block, error) {
	if len(key) != AESKeySize {
		return nil, NewError(ErrBadParameters, "aes key", "key must be %d bytes, got %d", AESKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, WrapError(ErrGeneric, "aes key", err)
	}
	return block, nil
}

// SealedSize is the size of IV plus ciphertext for a plaintext of n bytes.
func SealedSize(n int) int {
	return AESBlockSize + paddedSize(n)
}

func paddedSize(n int) int {
	framed := LengthPrefixSize + n
	return (framed + AESBlockSize - 1) / AESBlockSize * AESBlockSize
}

// FramePlaintext lays out len:u32-LE, data and zero padding up to the next
// block boundary.
func FramePlaintext(data []byte) ([]byte, error) {
	if uint64(len(data)) > math.MaxUint32-LengthPrefixSize {
		return nil, NewError(ErrBadParameters, "frame plaintext", "payload of %d bytes too large", len(data))
	}
	framed := make([]byte, paddedSize(len(data)))
	binary.LittleEndian.PutUint32(framed[:LengthPrefixSize], uint32(len(data)))
	copy(framed[LengthPrefixSize:], data)
	return framed, nil
}

// UnframePlaintext validates the length prefix and returns the payload.
func UnframePlaintext(padded []byte) ([]byte, error) {
	if len(padded) < LengthPrefixSize {
		return nil, NewError(ErrBadParameters, "unframe plaintext", "decrypted data shorter than length prefix")
	}
	n := uint64(binary.LittleEndian.Uint32(padded[:LengthPrefixSize]))
	if n+LengthPrefixSize > uint64(len(padded)) {
		return nil, NewError(ErrBadParameters, "unframe plaintext", "length prefix %d exceeds decrypted size %d", n, len(padded)-LengthPrefixSize)
	}
	out := make([]byte, n)
	copy(out, padded[LengthPrefixSize:LengthPrefixSize+int(n)])
	return out, nil
}

// normalizeWindow clamps a window size to a positive block multiple.
func normalizeWindow(window int) int {
	if window < AESBlockSize {
		return AESBlockSize
	}
	return window - window%AESBlockSize
}

// EncryptWindow CBC-encrypts one block-aligned window and replaces iv with
// the last ciphertext block.
func EncryptWindow(block cipher.Block, input []byte, iv *[AESBlockSize]byte) ([]byte, error) {
	if len(input)%AESBlockSize != 0 {
		return nil, NewError(ErrBadParameters, "encrypt window", "input of %d bytes is not block aligned", len(input))
	}
	out := make([]byte, len(input))
	if len(input) == 0 {
		return out, nil
	}
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, input)
	copy(iv[:], out[len(out)-AESBlockSize:])
	return out, nil
}

// DecryptWindow CBC-decrypts one block-aligned window and replaces iv with
// the last ciphertext block of input.
func DecryptWindow(block cipher.Block, input []byte, iv *[AESBlockSize]byte) ([]byte, error) {
	if len(input)%AESBlockSize != 0 {
		return nil, NewError(ErrBadParameters, "decrypt window", "input of %d bytes is not block aligned", len(input))
	}
	out := make([]byte, len(input))
	if len(input) == 0 {
		return out, nil
	}
	var next [AESBlockSize]byte
	copy(next[:], input[len(input)-AESBlockSize:])
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(out, input)
	*iv = next
	return out, nil
}

// SealWithIV frames plaintext and encrypts it window by window starting
// from iv. The result is IV followed by ciphertext.
func SealWithIV(block cipher.Block, iv [AESBlockSize]byte, plaintext []byte, window int) ([]byte, error) {
	framed, err := FramePlaintext(plaintext)
	if err != nil {
		return nil, err
	}
	window = normalizeWindow(window)

	out := make([]byte, 0, AESBlockSize+len(framed))
	out = append(out, iv[:]...)
	chain := iv
	for off := 0; off < len(framed); off += window {
		end := off + window
		if end > len(framed) {
			end = len(framed)
		}
		ct, err := EncryptWindow(block, framed[off:end], &chain)
		if err != nil {
			return nil, err
		}
		out = append(out, ct...)
	}
	return out, nil
}

// CheckSealedLayout rejects blobs that cannot be IV plus whole blocks.
func CheckSealedLayout(blob []byte) error {
	if len(blob) < 2*AESBlockSize {
		return NewError(ErrBadParameters, "open", "ciphertext of %d bytes shorter than %d", len(blob), 2*AESBlockSize)
	}
	if (len(blob)-AESBlockSize)%AESBlockSize != 0 {
		return NewError(ErrBadParameters, "open", "ciphertext of %d bytes is not block aligned", len(blob)-AESBlockSize)
	}
	return nil
}

// Open reverses SealWithIV.
func Open(block cipher.Block, blob []byte, window int) ([]byte, error) {
	if err := CheckSealedLayout(blob); err != nil {
		return nil, err
	}
	window = normalizeWindow(window)

	var chain [AESBlockSize]byte
	copy(chain[:], blob[:AESBlockSize])
	ct := blob[AESBlockSize:]
	padded := make([]byte, 0, len(ct))
	for off := 0; off < len(ct); off += window {
		end := off + window
		if end > len(ct) {
			end = len(ct)
		}
		pt, err := DecryptWindow(block, ct[off:end], &chain)
		if err != nil {
			return nil, err
		}
		padded = append(padded, pt...)
	}
	return UnframePlaintext(padded)
}

// ChainedDecrypter decrypts a sealed blob delivered in arbitrary splits.
// Whole blocks are decrypted as soon as they arrive; at most one partial
// block is held back.
type ChainedDecrypter struct {
	block   cipher.Block
	iv      [AESBlockSize]byte
	ivFill  int
	pending []byte
	padded  []byte
	total   int
}

// NewChainedDecrypter starts a streaming decrypt with key.
func NewChainedDecrypter(key []byte) (*ChainedDecrypter, error) {
	block, err := NewAESBlock(key)
	if err != nil {
		return nil, err
	}
	return NewBlockDecrypter(block), nil
}

// NewBlockDecrypter starts a streaming decrypt with an expanded cipher, so
// callers need not keep the raw key around.
func NewBlockDecrypter(block cipher.Block) *ChainedDecrypter {
	return &ChainedDecrypter{block: block}
}

// Write consumes the next piece of the sealed blob.
func (d *ChainedDecrypter) Write(p []byte) (int, error) {
	n := len(p)
	d.total += n

	if d.ivFill < AESBlockSize {
		c := copy(d.iv[d.ivFill:], p)
		d.ivFill += c
		p = p[c:]
	}
	if len(p) == 0 {
		return n, nil
	}

	data := append(d.pending, p...)
	whole := len(data) - len(data)%AESBlockSize
	if whole > 0 {
		pt, err := DecryptWindow(d.block, data[:whole], &d.iv)
		if err != nil {
			return 0, err
		}
		d.padded = append(d.padded, pt...)
	}
	d.pending = append([]byte(nil), data[whole:]...)
	return n, nil
}

// Buffered reports how many ciphertext bytes have been consumed.
func (d *ChainedDecrypter) Buffered() int {
	return d.total
}

// Finish validates the layout and returns the plaintext.
func (d *ChainedDecrypter) Finish() ([]byte, error) {
	if d.total < 2*AESBlockSize {
		return nil, NewError(ErrBadParameters, "open", "ciphertext of %d bytes shorter than %d", d.total, 2*AESBlockSize)
	}
	if len(d.pending) != 0 {
		return nil, NewError(ErrBadParameters, "open", "ciphertext of %d bytes is not block aligned", d.total-AESBlockSize)
	}
	out, err := UnframePlaintext(d.padded)
	d.padded = nil
	return out, err
}
