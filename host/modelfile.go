package host

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"enc-mnist/shared"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

const (
	AlgorithmCBC        = "AES-256-CBC"
	AlgorithmCBCChunked = "AES-256-CBC-Chunked"

	// DefaultChunkThreshold is the model size above which a chunked file is
	// written.
	DefaultChunkThreshold = 1 << 20
)

// ByteArray is written as a JSON array of byte values. Base64 strings are
// accepted on read.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.Grow(len(b)*4 + 2)
	sb.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d", v)
	}
	sb.WriteByte(']')
	return []byte(sb.String()), nil
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid base64 byte string: %w", err)
		}
		*b = raw
		return nil
	}
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value %d at index %d out of range", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// EncryptedModelFile holds one IV || ciphertext blob of the whole model.
type EncryptedModelFile struct {
	Algorithm     string    `json:"algorithm"`
	EncryptedData ByteArray `json:"encrypted_data"`
}

// EncryptedChunk is one independently sealed plaintext slice. Size is the
// plaintext size of the slice.
type EncryptedChunk struct {
	ID   int       `json:"id"`
	Size int       `json:"size"`
	Data ByteArray `json:"data"`
}

// ChunkedEncryptedModelFile splits the model into slices of ChunkSize bytes.
type ChunkedEncryptedModelFile struct {
	Algorithm    string           `json:"algorithm"`
	ChunkSize    int              `json:"chunk_size"`
	TotalChunks  int              `json:"total_chunks"`
	OriginalSize int              `json:"original_size"`
	Chunks       []EncryptedChunk `json:"chunks"`
}

// ModelFile is one of the two model file forms.
type ModelFile struct {
	Single  *EncryptedModelFile
	Chunked *ChunkedEncryptedModelFile
}

func (m *ModelFile) MarshalJSON() ([]byte, error) {
	switch {
	case m.Chunked != nil:
		return json.Marshal(m.Chunked)
	case m.Single != nil:
		return json.Marshal(m.Single)
	default:
		return nil, fmt.Errorf("empty model file")
	}
}

var byteArraySchema = map[string]interface{}{
	"oneOf": []interface{}{
		map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 255},
		},
		map[string]interface{}{"type": "string"},
	},
}

var modelFileSchema = map[string]interface{}{
	"oneOf": []interface{}{
		map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"algorithm", "encrypted_data"},
			"properties": map[string]interface{}{
				"algorithm":      map[string]interface{}{"const": AlgorithmCBC},
				"encrypted_data": byteArraySchema,
			},
		},
		map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"algorithm", "chunk_size", "total_chunks", "original_size", "chunks"},
			"properties": map[string]interface{}{
				"algorithm":     map[string]interface{}{"const": AlgorithmCBCChunked},
				"chunk_size":    map[string]interface{}{"type": "integer", "minimum": 1},
				"total_chunks":  map[string]interface{}{"type": "integer", "minimum": 0},
				"original_size": map[string]interface{}{"type": "integer", "minimum": 0},
				"chunks": map[string]interface{}{
					"type": "array",
					"items": map[string]interface{}{
						"type":     "object",
						"required": []interface{}{"id", "size", "data"},
						"properties": map[string]interface{}{
							"id":   map[string]interface{}{"type": "integer", "minimum": 0},
							"size": map[string]interface{}{"type": "integer", "minimum": 0},
							"data": byteArraySchema,
						},
					},
				},
			},
		},
	},
}

var (
	compiledSchema     *gojsonschema.Schema
	compiledSchemaErr  error
	compiledSchemaOnce sync.Once
)

func modelSchema() (*gojsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		compiledSchema, compiledSchemaErr = gojsonschema.NewSchema(gojsonschema.NewGoLoader(modelFileSchema))
	})
	return compiledSchema, compiledSchemaErr
}

// ValidateModelFileJSON checks raw against the model file schema.
func ValidateModelFileJSON(raw []byte) error {
	schema, err := modelSchema()
	if err != nil {
		return fmt.Errorf("failed to compile model file schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return shared.WrapError(shared.ErrBadFormat, "model file", err)
	}
	if !result.Valid() {
		var b strings.Builder
		for _, e := range result.Errors() {
			if b.Len() > 0 {
				b.WriteString("; ")
			}
			b.WriteString(e.String())
		}
		return shared.NewError(shared.ErrBadFormat, "model file", "validation failed: %s", b.String())
	}
	return nil
}

// ParseModelFile validates and decodes either model file form.
func ParseModelFile(raw []byte) (*ModelFile, error) {
	if err := ValidateModelFileJSON(raw); err != nil {
		return nil, err
	}
	var head struct {
		Algorithm string `json:"algorithm"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, shared.WrapError(shared.ErrBadFormat, "model file", err)
	}
	switch head.Algorithm {
	case AlgorithmCBC:
		var f EncryptedModelFile
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, shared.WrapError(shared.ErrBadFormat, "model file", err)
		}
		return &ModelFile{Single: &f}, nil
	case AlgorithmCBCChunked:
		var f ChunkedEncryptedModelFile
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, shared.WrapError(shared.ErrBadFormat, "model file", err)
		}
		if _, err := f.Ordered(); err != nil {
			return nil, err
		}
		return &ModelFile{Chunked: &f}, nil
	default:
		return nil, shared.NewError(shared.ErrNotSupported, "model file", "unknown algorithm %q", head.Algorithm)
	}
}

// ReadModelFile loads and parses a model file from disk.
func ReadModelFile(path string) (*ModelFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	return ParseModelFile(raw)
}

// WriteModelFile writes m as indented JSON.
func WriteModelFile(path string, m *ModelFile) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode model file: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write model file: %w", err)
	}
	return nil
}

// BuildModelFile encrypts model with enc. Models larger than threshold are
// split into chunkSize slices, each sealed independently.
func BuildModelFile(ctx context.Context, enc ModelEncryptor, model []byte, threshold, chunkSize int) (*ModelFile, error) {
	if chunkSize <= 0 {
		chunkSize = shared.ChunkSize
	}
	if threshold < 0 || len(model) <= threshold {
		blob, err := enc.Encrypt(ctx, model)
		if err != nil {
			return nil, err
		}
		return &ModelFile{Single: &EncryptedModelFile{Algorithm: AlgorithmCBC, EncryptedData: blob}}, nil
	}

	total := (len(model) + chunkSize - 1) / chunkSize
	f := &ChunkedEncryptedModelFile{
		Algorithm:    AlgorithmCBCChunked,
		ChunkSize:    chunkSize,
		TotalChunks:  total,
		OriginalSize: len(model),
		Chunks:       make([]EncryptedChunk, 0, total),
	}
	for id := 0; id < total; id++ {
		start := id * chunkSize
		end := min(start+chunkSize, len(model))
		blob, err := enc.Encrypt(ctx, model[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt chunk %d: %w", id, err)
		}
		f.Chunks = append(f.Chunks, EncryptedChunk{ID: id, Size: end - start, Data: blob})
	}
	return &ModelFile{Chunked: f}, nil
}

// Ordered returns the chunks sorted by id after checking that they form
// exactly the declared model.
func (f *ChunkedEncryptedModelFile) Ordered() ([]EncryptedChunk, error) {
	if f.ChunkSize <= 0 {
		return nil, shared.NewError(shared.ErrBadFormat, "chunked model", "chunk_size must be positive, got %d", f.ChunkSize)
	}
	want := (f.OriginalSize + f.ChunkSize - 1) / f.ChunkSize
	if f.TotalChunks != want {
		return nil, shared.NewError(shared.ErrBadFormat, "chunked model", "total_chunks %d does not match %d bytes in %d byte chunks", f.TotalChunks, f.OriginalSize, f.ChunkSize)
	}
	if len(f.Chunks) != f.TotalChunks {
		return nil, shared.NewError(shared.ErrBadFormat, "chunked model", "expected %d chunks, file has %d", f.TotalChunks, len(f.Chunks))
	}

	chunks := make([]EncryptedChunk, len(f.Chunks))
	copy(chunks, f.Chunks)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ID < chunks[j].ID })

	sum := 0
	for i, c := range chunks {
		if c.ID != i {
			if i > 0 && chunks[i-1].ID == c.ID {
				return nil, shared.NewError(shared.ErrBadFormat, "chunked model", "duplicate chunk id %d", c.ID)
			}
			return nil, shared.NewError(shared.ErrBadFormat, "chunked model", "missing chunk id %d", i)
		}
		// Every slice is full except the last, which holds the remainder.
		want := f.ChunkSize
		if i == len(chunks)-1 {
			want = f.OriginalSize - i*f.ChunkSize
		}
		if c.Size != want {
			return nil, shared.NewError(shared.ErrBadFormat, "chunked model", "chunk %d size %d, expected %d", c.ID, c.Size, want)
		}
		if len(c.Data) != shared.SealedSize(c.Size) {
			return nil, shared.NewError(shared.ErrBadFormat, "chunked model", "chunk %d has %d ciphertext bytes for %d plaintext bytes", c.ID, len(c.Data), c.Size)
		}
		sum += c.Size
	}
	if sum != f.OriginalSize {
		return nil, shared.NewError(shared.ErrBadFormat, "chunked model", "chunk sizes sum to %d, original_size is %d", sum, f.OriginalSize)
	}
	return chunks, nil
}

// Decrypt reconstructs the plaintext model with key.
func (m *ModelFile) Decrypt(key []byte) ([]byte, error) {
	if m.Single != nil {
		return DecryptWithKey(key, m.Single.EncryptedData)
	}
	if m.Chunked == nil {
		return nil, shared.NewError(shared.ErrBadFormat, "model file", "empty model file")
	}
	chunks, err := m.Chunked.Ordered()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, m.Chunked.OriginalSize)
	for _, c := range chunks {
		pt, err := DecryptWithKey(key, c.Data)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", c.ID, err)
		}
		if len(pt) != c.Size {
			return nil, shared.NewError(shared.ErrBadFormat, "chunked model", "chunk %d decrypted to %d bytes, declared %d", c.ID, len(pt), c.Size)
		}
		out = append(out, pt...)
	}
	return out, nil
}

// LoadModelFile streams m into the TA. A single blob is pushed in ChunkSize
// pieces as one stream; a chunked file is pushed one sealed chunk per call
// in id order and the TA checks the reassembled size.
func LoadModelFile(ctx context.Context, c *InferenceConnector, m *ModelFile) error {
	if m.Chunked != nil {
		chunks, err := m.Chunked.Ordered()
		if err != nil {
			return err
		}
		if err := c.BeginModelLoad(ctx, shared.LoadFormatSealedChunks); err != nil {
			return err
		}
		for _, ch := range chunks {
			c.logger.DebugIf("Pushing sealed chunk", zap.Int("id", ch.ID), zap.Int("size", len(ch.Data)))
			if err := c.PushEncryptedChunk(ctx, ch.Data); err != nil {
				return fmt.Errorf("failed to push chunk %d: %w", ch.ID, err)
			}
		}
		return c.FinalizeModelLoad(ctx, m.Chunked.OriginalSize)
	}
	if m.Single == nil {
		return shared.NewError(shared.ErrBadFormat, "model file", "empty model file")
	}
	if err := c.BeginModelLoad(ctx, shared.LoadFormatStream); err != nil {
		return err
	}
	if err := pushStream(ctx, c, m.Single.EncryptedData); err != nil {
		return err
	}
	return c.FinalizeModelLoad(ctx, -1)
}

// ProvisionPlaintext streams a plaintext model record into a TA running in
// plaintext provisioning mode.
func ProvisionPlaintext(ctx context.Context, c *InferenceConnector, record []byte) error {
	if err := c.BeginModelLoad(ctx, shared.LoadFormatStream); err != nil {
		return err
	}
	if err := pushStream(ctx, c, record); err != nil {
		return err
	}
	return c.FinalizeModelLoad(ctx, len(record))
}

func pushStream(ctx context.Context, c *InferenceConnector, data []byte) error {
	for off, part := 0, 0; off < len(data); off, part = off+shared.ChunkSize, part+1 {
		end := min(off+shared.ChunkSize, len(data))
		c.logger.DebugIf("Pushing part", zap.Int("part", part+1), zap.Int("size", end-off))
		if err := c.PushEncryptedChunk(ctx, data[off:end]); err != nil {
			return fmt.Errorf("failed to push part %d: %w", part+1, err)
		}
	}
	return nil
}
