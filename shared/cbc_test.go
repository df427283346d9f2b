package shared

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"testing"

	"pgregory.net/rapid"
)

func testKey() []byte {
	key := make([]byte, AESKeySize)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	block, err := NewAESBlock(testKey())
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}
	var iv [AESBlockSize]byte
	copy(iv[:], "0123456789abcdef")

	sizes := []int{0, 1, 12, 16, 17, 1000, ChunkSize - 4, ChunkSize, 3*ChunkSize + 5}
	for _, size := range sizes {
		plaintext := bytes.Repeat([]byte{0xA5}, size)
		sealed, err := SealWithIV(block, iv, plaintext, ChunkSize)
		if err != nil {
			t.Fatalf("Failed to seal %d bytes: %v", size, err)
		}
		if len(sealed) != SealedSize(size) {
			t.Errorf("Sealed size mismatch for %d: expected %d, got %d", size, SealedSize(size), len(sealed))
		}
		if (len(sealed)-AESBlockSize)%AESBlockSize != 0 {
			t.Errorf("Sealed blob for %d bytes is not block aligned", size)
		}

		opened, err := Open(block, sealed, ChunkSize)
		if err != nil {
			t.Fatalf("Failed to open %d bytes: %v", size, err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Errorf("Round trip mismatch for %d bytes", size)
		}
	}
}

func TestSealMatchesOneShotCBC(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		plaintext := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(rt, "plaintext")
		blocks := rapid.IntRange(1, 64).Draw(rt, "windowBlocks")
		ivBytes := rapid.SliceOfN(rapid.Byte(), AESBlockSize, AESBlockSize).Draw(rt, "iv")

		var iv [AESBlockSize]byte
		copy(iv[:], ivBytes)
		key := testKey()
		block, err := NewAESBlock(key)
		if err != nil {
			rt.Fatalf("Failed to create cipher: %v", err)
		}

		sealed, err := SealWithIV(block, iv, plaintext, blocks*AESBlockSize)
		if err != nil {
			rt.Fatalf("Failed to seal: %v", err)
		}

		framed, err := FramePlaintext(plaintext)
		if err != nil {
			rt.Fatalf("Failed to frame: %v", err)
		}
		ref, _ := aes.NewCipher(key)
		oneShot := make([]byte, len(framed))
		cipher.NewCBCEncrypter(ref, iv[:]).CryptBlocks(oneShot, framed)

		if !bytes.Equal(sealed[:AESBlockSize], iv[:]) {
			rt.Fatalf("IV prefix mismatch")
		}
		if !bytes.Equal(sealed[AESBlockSize:], oneShot) {
			rt.Fatalf("Windowed ciphertext differs from one-shot CBC with window of %d blocks", blocks)
		}
	})
}

func TestChainedDecrypterArbitrarySplits(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		plaintext := rapid.SliceOfN(rapid.Byte(), 0, 2048).Draw(rt, "plaintext")
		key := testKey()
		block, _ := NewAESBlock(key)
		var iv [AESBlockSize]byte
		sealed, err := SealWithIV(block, iv, plaintext, ChunkSize)
		if err != nil {
			rt.Fatalf("Failed to seal: %v", err)
		}

		d, err := NewChainedDecrypter(key)
		if err != nil {
			rt.Fatalf("Failed to create decrypter: %v", err)
		}
		rest := sealed
		for len(rest) > 0 {
			n := rapid.IntRange(1, len(rest)).Draw(rt, "split")
			if _, err := d.Write(rest[:n]); err != nil {
				rt.Fatalf("Failed to write split: %v", err)
			}
			rest = rest[n:]
		}
		got, err := d.Finish()
		if err != nil {
			rt.Fatalf("Failed to finish: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			rt.Fatalf("Streaming decrypt mismatch")
		}
	})
}

func TestOpenRejectsMalformed(t *testing.T) {
	key := testKey()
	block, _ := NewAESBlock(key)
	var iv [AESBlockSize]byte
	sealed, err := SealWithIV(block, iv, []byte("hello"), ChunkSize)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}

	// Forge a blob whose length prefix claims more than it carries.
	forged := make([]byte, AESBlockSize)
	forged[0] = 0xFF
	forged[1] = 0xFF
	badPrefix, err := EncryptWindow(block, forged, &iv)
	if err != nil {
		t.Fatalf("Failed to encrypt forged block: %v", err)
	}
	badPrefix = append(make([]byte, AESBlockSize), badPrefix...)

	tests := []struct {
		name string
		blob []byte
	}{
		{"empty", nil},
		{"iv only", sealed[:AESBlockSize]},
		{"31 bytes", sealed[:31]},
		{"misaligned", append(append([]byte{}, sealed...), 0x01)},
		{"bad length prefix", badPrefix},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(block, tt.blob, ChunkSize)
			if !errors.Is(err, ErrBadParameters) {
				t.Errorf("Expected BadParameters, got %v", err)
			}

			d, _ := NewChainedDecrypter(key)
			d.Write(tt.blob)
			if _, err := d.Finish(); !errors.Is(err, ErrBadParameters) {
				t.Errorf("Streaming: expected BadParameters, got %v", err)
			}
		})
	}
}

func TestNewAESBlockRejectsShortKey(t *testing.T) {
	if _, err := NewAESBlock(make([]byte, 16)); !errors.Is(err, ErrBadParameters) {
		t.Errorf("Expected BadParameters for 16-byte key, got %v", err)
	}
}

func TestParseHexKey(t *testing.T) {
	key, err := ParseHexKey("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	if err != nil {
		t.Fatalf("Failed to parse key: %v", err)
	}
	if key[0] != 0x00 || key[1] != 0x11 || key[31] != 0xff {
		t.Errorf("Unexpected key bytes: %x", key)
	}

	for _, bad := range []string{"", "0011", "zz112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"} {
		if _, err := ParseHexKey(bad); !errors.Is(err, ErrBadParameters) {
			t.Errorf("Expected BadParameters for %q, got %v", bad, err)
		}
	}
}
