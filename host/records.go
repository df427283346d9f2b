package host

import (
	"context"
	"fmt"

	"enc-mnist/inference"
	"enc-mnist/shared"
)

// ModelSummary describes a model record that imported cleanly.
type ModelSummary struct {
	Input   int
	Hidden  int
	Classes int
	Size    int
}

func (s *ModelSummary) String() string {
	return fmt.Sprintf("%d inputs, %d hidden, %d classes, %s", s.Input, s.Hidden, s.Classes, shared.FormatBytes(s.Size))
}

// VerifyModelRecord checks that record is a model the TA would install.
func VerifyModelRecord(record []byte) (*ModelSummary, error) {
	m, err := inference.Import(record)
	if err != nil {
		return nil, shared.WrapError(shared.ErrCorruptObject, "verify model", err)
	}
	return &ModelSummary{Input: m.Input, Hidden: m.Hidden, Classes: m.Classes, Size: len(record)}, nil
}

// VerifyModelFile decrypts m with key and checks the model inside.
func VerifyModelFile(m *ModelFile, key []byte) (*ModelSummary, error) {
	record, err := m.Decrypt(key)
	if err != nil {
		return nil, err
	}
	return VerifyModelRecord(record)
}

// EncryptModelRecord refuses records the TA could not install, then builds
// the model file. A negative threshold always writes the single-blob form.
func EncryptModelRecord(ctx context.Context, enc ModelEncryptor, record []byte, threshold, chunkSize int) (*ModelFile, error) {
	if _, err := VerifyModelRecord(record); err != nil {
		return nil, err
	}
	if chunkSize < 0 {
		return nil, shared.NewError(shared.ErrBadParameters, "encrypt model", "chunk size %d", chunkSize)
	}
	return BuildModelFile(ctx, enc, record, threshold, chunkSize)
}
