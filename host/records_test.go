package host

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"enc-mnist/inference"
	"enc-mnist/shared"
)

type countingEncryptor struct {
	inner ModelEncryptor
	calls int
}

func (c *countingEncryptor) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	c.calls++
	return c.inner.Encrypt(ctx, data)
}

func smallRecord(t *testing.T) []byte {
	t.Helper()
	record, err := inference.NewRandom(8, 10, 3).Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal model: %v", err)
	}
	return record
}

func TestVerifyModelRecord(t *testing.T) {
	record := smallRecord(t)
	summary, err := VerifyModelRecord(record)
	if err != nil {
		t.Fatalf("VerifyModelRecord failed: %v", err)
	}
	if summary.Input != shared.ImageSize || summary.Hidden != 8 || summary.Classes != 10 || summary.Size != len(record) {
		t.Errorf("Unexpected summary %+v", summary)
	}

	if _, err := VerifyModelRecord([]byte("not a model")); !errors.Is(err, shared.ErrCorruptObject) {
		t.Errorf("Expected CorruptObject for garbage, got %v", err)
	}
	if _, err := VerifyModelRecord(nil); !errors.Is(err, shared.ErrCorruptObject) {
		t.Errorf("Expected CorruptObject for empty record, got %v", err)
	}
}

func TestEncryptModelRecordThreshold(t *testing.T) {
	ctx := context.Background()
	record := smallRecord(t)
	hostEnc, err := NewHostEncryptor(testKey(t), nil)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}

	for _, tc := range []struct {
		name      string
		threshold int
		chunked   bool
	}{
		{"negative disables chunking", -1, false},
		{"zero always chunks", 0, true},
		{"at threshold", len(record), false},
		{"just above threshold", len(record) - 1, true},
		{"default", DefaultChunkThreshold, len(record) > DefaultChunkThreshold},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mf, err := EncryptModelRecord(ctx, hostEnc, record, tc.threshold, 4096)
			if err != nil {
				t.Fatalf("EncryptModelRecord failed: %v", err)
			}
			if (mf.Chunked != nil) != tc.chunked {
				t.Errorf("Expected chunked=%t, got %+v", tc.chunked, mf)
			}
			if mf.Chunked != nil && mf.Chunked.ChunkSize != 4096 {
				t.Errorf("Expected chunk size 4096, got %d", mf.Chunked.ChunkSize)
			}
			got, err := mf.Decrypt(testKey(t))
			if err != nil || !bytes.Equal(got, record) {
				t.Errorf("Decrypt did not return the record: %v", err)
			}
		})
	}
}

func TestEncryptModelRecordRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	hostEnc, err := NewHostEncryptor(testKey(t), nil)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	enc := &countingEncryptor{inner: hostEnc}

	if _, err := EncryptModelRecord(ctx, enc, []byte("not a model"), 0, 0); !errors.Is(err, shared.ErrCorruptObject) {
		t.Errorf("Expected CorruptObject, got %v", err)
	}
	if _, err := EncryptModelRecord(ctx, enc, smallRecord(t), 0, -5); !errors.Is(err, shared.ErrBadParameters) {
		t.Errorf("Expected BadParameters for negative chunk size, got %v", err)
	}
	if enc.calls != 0 {
		t.Errorf("Expected no encryption for rejected input, got %d calls", enc.calls)
	}
}

func TestVerifyModelFile(t *testing.T) {
	ctx := context.Background()
	record := smallRecord(t)
	hostEnc, err := NewHostEncryptor(testKey(t), nil)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	mf, err := EncryptModelRecord(ctx, hostEnc, record, 0, 4096)
	if err != nil {
		t.Fatalf("EncryptModelRecord failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "model.json")
	if err := WriteModelFile(path, mf); err != nil {
		t.Fatalf("WriteModelFile failed: %v", err)
	}
	loaded, err := ReadModelFile(path)
	if err != nil {
		t.Fatalf("ReadModelFile failed: %v", err)
	}

	summary, err := VerifyModelFile(loaded, testKey(t))
	if err != nil {
		t.Fatalf("VerifyModelFile failed: %v", err)
	}
	if summary.Size != len(record) || summary.Classes != 10 {
		t.Errorf("Unexpected summary %+v", summary)
	}

	if _, err := VerifyModelFile(loaded, bytes.Repeat([]byte{0x55}, shared.AESKeySize)); err == nil {
		t.Error("Expected wrong key to fail verification")
	}

	// A well-formed file around something that is not a model.
	junk, err := BuildModelFile(ctx, hostEnc, bytes.Repeat([]byte{7}, 5000), 0, 4096)
	if err != nil {
		t.Fatalf("BuildModelFile failed: %v", err)
	}
	if _, err := VerifyModelFile(junk, testKey(t)); !errors.Is(err, shared.ErrCorruptObject) {
		t.Errorf("Expected CorruptObject for non-model payload, got %v", err)
	}
}
