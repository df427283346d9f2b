package host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"enc-mnist/shared"
)

func buildChunked(t *testing.T, size, chunkSize int) (*ModelFile, []byte) {
	t.Helper()
	model := make([]byte, size)
	for i := range model {
		model[i] = byte(i * 31)
	}
	enc, err := NewHostEncryptor(testKey(t), nil)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	mf, err := BuildModelFile(context.Background(), enc, model, 0, chunkSize)
	if err != nil {
		t.Fatalf("Failed to build model file: %v", err)
	}
	return mf, model
}

func TestByteArrayJSON(t *testing.T) {
	out, err := json.Marshal(ByteArray{0, 7, 255})
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	if string(out) != "[0,7,255]" {
		t.Errorf("Expected number array, got %s", out)
	}

	tests := []struct {
		name    string
		input   string
		want    []byte
		wantErr bool
	}{
		{"array", "[1,2,3]", []byte{1, 2, 3}, false},
		{"empty array", "[]", []byte{}, false},
		{"base64", `"AQID"`, []byte{1, 2, 3}, false},
		{"out of range", "[256]", nil, true},
		{"negative", "[-1]", nil, true},
		{"bad base64", `"!!"`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b ByteArray
			err := json.Unmarshal([]byte(tt.input), &b)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %s", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !bytes.Equal(b, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, b)
			}
		})
	}
}

func TestModelFileRoundTripThroughDisk(t *testing.T) {
	mf, model := buildChunked(t, 5000, 1024)
	if mf.Chunked == nil || mf.Chunked.TotalChunks != 5 {
		t.Fatalf("Expected 5 chunks, got %+v", mf.Chunked)
	}
	if last := mf.Chunked.Chunks[4]; last.Size != 5000-4*1024 {
		t.Errorf("Last chunk size mismatch: got %d", last.Size)
	}

	path := filepath.Join(t.TempDir(), "model.json")
	if err := WriteModelFile(path, mf); err != nil {
		t.Fatalf("Failed to write model file: %v", err)
	}
	read, err := ReadModelFile(path)
	if err != nil {
		t.Fatalf("Failed to read model file: %v", err)
	}
	plain, err := read.Decrypt(testKey(t))
	if err != nil {
		t.Fatalf("Failed to decrypt: %v", err)
	}
	if !bytes.Equal(plain, model) {
		t.Error("Model changed across write and read")
	}

	enc, err := NewHostEncryptor(testKey(t), nil)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	single, err := BuildModelFile(context.Background(), enc, model, len(model), 0)
	if err != nil {
		t.Fatalf("Failed to build model file: %v", err)
	}
	if single.Single == nil || single.Single.Algorithm != AlgorithmCBC {
		t.Fatalf("Expected single blob at threshold, got %+v", single)
	}
	raw, err := json.Marshal(single)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	parsed, err := ParseModelFile(raw)
	if err != nil {
		t.Fatalf("Failed to parse single blob file: %v", err)
	}
	plain, err = parsed.Decrypt(testKey(t))
	if err != nil || !bytes.Equal(plain, model) {
		t.Errorf("Single blob round trip failed: %v", err)
	}
}

func TestChunkReconstructionRejectsInconsistentFiles(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *ChunkedEncryptedModelFile)
	}{
		{"missing chunk", func(f *ChunkedEncryptedModelFile) { f.Chunks = f.Chunks[:len(f.Chunks)-1] }},
		{"duplicate id", func(f *ChunkedEncryptedModelFile) { f.Chunks[2].ID = 1 }},
		{"id out of range", func(f *ChunkedEncryptedModelFile) { f.Chunks[3].ID = 9 }},
		{"wrong total", func(f *ChunkedEncryptedModelFile) { f.TotalChunks = 3 }},
		{"wrong original size", func(f *ChunkedEncryptedModelFile) { f.OriginalSize = 4000 }},
		{"declared size mismatch", func(f *ChunkedEncryptedModelFile) { f.Chunks[0].Size = 1000 }},
		{"chunk larger than chunk size", func(f *ChunkedEncryptedModelFile) { f.ChunkSize = 512 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mf, _ := buildChunked(t, 4096, 1024)
			tt.mutate(mf.Chunked)
			if _, err := mf.Chunked.Ordered(); !errors.Is(err, shared.ErrBadFormat) {
				t.Errorf("Expected BadFormat, got %v", err)
			}
			if _, err := mf.Decrypt(testKey(t)); err == nil {
				t.Error("Expected decrypt to fail")
			}
		})
	}
}

func TestChunkReconstructionRequiresFullInnerChunks(t *testing.T) {
	key := testKey(t)
	model := bytes.Repeat([]byte{0x5a}, 3500)
	sliced := func(sizes ...int) *ChunkedEncryptedModelFile {
		f := &ChunkedEncryptedModelFile{
			Algorithm:    AlgorithmCBCChunked,
			ChunkSize:    1024,
			TotalChunks:  len(sizes),
			OriginalSize: len(model),
		}
		off := 0
		for id, size := range sizes {
			data, err := EncryptWithKey(key, model[off:off+size], nil)
			if err != nil {
				t.Fatalf("EncryptWithKey failed: %v", err)
			}
			f.Chunks = append(f.Chunks, EncryptedChunk{ID: id, Size: size, Data: data})
			off += size
		}
		return f
	}

	// Same count and total as the canonical slicing, but a short first chunk.
	if _, err := sliced(1000, 1024, 1024, 452).Ordered(); !errors.Is(err, shared.ErrBadFormat) {
		t.Errorf("Expected BadFormat for short inner chunk, got %v", err)
	}

	chunks, err := sliced(1024, 1024, 1024, 428).Ordered()
	if err != nil {
		t.Fatalf("Canonical slicing rejected: %v", err)
	}
	if chunks[3].Size != 428 {
		t.Errorf("Expected short last chunk of 428 bytes, got %d", chunks[3].Size)
	}
}

func TestChunkOrderIndependence(t *testing.T) {
	mf, model := buildChunked(t, 4096+100, 1024)
	chunks := mf.Chunked.Chunks
	for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	}
	plain, err := mf.Decrypt(testKey(t))
	if err != nil {
		t.Fatalf("Failed to decrypt reversed chunks: %v", err)
	}
	if !bytes.Equal(plain, model) {
		t.Error("Reversed chunk order changed the reconstruction")
	}
}

func TestParseModelFileRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		kind shared.ErrorKind
	}{
		{"not json", "{", shared.ErrBadFormat},
		{"unknown algorithm", `{"algorithm":"AES-128-GCM","encrypted_data":[]}`, shared.ErrBadFormat},
		{"missing data", `{"algorithm":"AES-256-CBC"}`, shared.ErrBadFormat},
		{"byte out of range", `{"algorithm":"AES-256-CBC","encrypted_data":[300]}`, shared.ErrBadFormat},
		{"chunked missing chunks", `{"algorithm":"AES-256-CBC-Chunked","chunk_size":16,"total_chunks":0,"original_size":0}`, shared.ErrBadFormat},
		{"chunked zero chunk size", `{"algorithm":"AES-256-CBC-Chunked","chunk_size":0,"total_chunks":0,"original_size":0,"chunks":[]}`, shared.ErrBadFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseModelFile([]byte(tt.doc))
			if !errors.Is(err, tt.kind) {
				t.Errorf("Expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	mf, _ := buildChunked(t, 2048, 1024)
	wrong := bytes.Repeat([]byte{0x42}, shared.AESKeySize)
	_, err := mf.Decrypt(wrong)
	if err == nil {
		t.Fatal("Expected wrong key to fail")
	}
	if !strings.Contains(err.Error(), "chunk") {
		t.Errorf("Expected error to name the chunk, got %v", err)
	}
}
