package host

import (
	"context"

	"enc-mnist/inference"
	"enc-mnist/shared"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InferenceConnector drives inference and model loading.
type InferenceConnector struct {
	sess   *Session
	logger *shared.Logger
}

func NewInferenceConnector(ctx context.Context, tc *Context, taUUID uuid.UUID) (*InferenceConnector, error) {
	sess, err := tc.OpenSession(ctx, taUUID)
	if err != nil {
		return nil, err
	}
	return &InferenceConnector{sess: sess, logger: tc.logger}, nil
}

// InferBatch returns one class byte per image.
func (c *InferenceConnector) InferBatch(ctx context.Context, images []inference.Image) ([]byte, error) {
	op := NewOperation(TmpRefInput(inference.Flatten(images)), TmpRefOutput(len(images)))
	if err := c.sess.InvokeCommand(ctx, shared.CmdInfer, op); err != nil {
		return nil, err
	}
	if op.UpdatedSize(1) != len(images) || len(op.Output(1)) != len(images) {
		return nil, shared.NewError(shared.ErrGeneric, "infer", "mismatch response, want %d, got %d", len(images), op.UpdatedSize(1))
	}
	return op.Output(1), nil
}

// BeginModelLoad starts a load in the given format.
func (c *InferenceConnector) BeginModelLoad(ctx context.Context, format shared.LoadFormat) error {
	op := NewOperation(ValueInput(uint32(format), 0))
	return c.sess.InvokeCommand(ctx, shared.CmdBeginModelLoad, op)
}

// PushEncryptedChunk sends the next piece of the model.
func (c *InferenceConnector) PushEncryptedChunk(ctx context.Context, chunk []byte) error {
	return c.sess.InvokeCommand(ctx, shared.CmdPushEncryptedChunk, NewOperation(TmpRefInput(chunk)))
}

// FinalizeModelLoad completes the load. A non-negative expectedSize makes
// the TA check the plaintext model size.
func (c *InferenceConnector) FinalizeModelLoad(ctx context.Context, expectedSize int) error {
	op := NewOperation()
	if expectedSize >= 0 {
		op = NewOperation(ValueInput(uint32(expectedSize), 0))
	}
	return c.sess.InvokeCommand(ctx, shared.CmdFinalizeModelLoad, op)
}

func (c *InferenceConnector) Close(ctx context.Context) error {
	return c.sess.Close(ctx)
}

// ModelEncryptorConnector encrypts models with the TA key.
type ModelEncryptorConnector struct {
	sess *Session
}

func NewModelEncryptorConnector(ctx context.Context, tc *Context, taUUID uuid.UUID) (*ModelEncryptorConnector, error) {
	sess, err := tc.OpenSession(ctx, taUUID)
	if err != nil {
		return nil, err
	}
	return &ModelEncryptorConnector{sess: sess}, nil
}

// EncryptModel returns IV followed by ciphertext for data.
func (c *ModelEncryptorConnector) EncryptModel(ctx context.Context, data []byte) ([]byte, error) {
	op := NewOperation(TmpRefInput(data), TmpRefOutput(len(data)+shared.EncryptSlack))
	if err := c.sess.InvokeCommand(ctx, shared.CmdEncryptModel, op); err != nil {
		return nil, err
	}
	out := op.Output(1)
	if op.UpdatedSize(1) != len(out) || len(out) != shared.SealedSize(len(data)) {
		return nil, shared.NewError(shared.ErrGeneric, "encrypt model", "mismatch response, want %d, got %d", shared.SealedSize(len(data)), len(out))
	}
	return out, nil
}

// Encrypt lets the connector act as a ModelEncryptor.
func (c *ModelEncryptorConnector) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	return c.EncryptModel(ctx, data)
}

func (c *ModelEncryptorConnector) Close(ctx context.Context) error {
	return c.sess.Close(ctx)
}

// KeyStatus is the TA's report on its key.
type KeyStatus struct {
	Provenance shared.KeyProvenance
	Stored     bool
}

// KeyProvisionConnector manages the TA key.
type KeyProvisionConnector struct {
	sess   *Session
	logger *shared.Logger
}

func NewKeyProvisionConnector(ctx context.Context, tc *Context, taUUID uuid.UUID) (*KeyProvisionConnector, error) {
	sess, err := tc.OpenSession(ctx, taUUID)
	if err != nil {
		return nil, err
	}
	return &KeyProvisionConnector{sess: sess, logger: tc.logger}, nil
}

// StoreKey installs key in the TA and its secure storage.
func (c *KeyProvisionConnector) StoreKey(ctx context.Context, key [shared.AESKeySize]byte) error {
	return c.sess.InvokeCommand(ctx, shared.CmdStoreKey, NewOperation(TmpRefInput(key[:])))
}

// ExportKey reads the persisted key back out of the TA.
func (c *KeyProvisionConnector) ExportKey(ctx context.Context) ([shared.AESKeySize]byte, error) {
	var key [shared.AESKeySize]byte
	op := NewOperation(TmpRefOutput(shared.AESKeySize))
	if err := c.sess.InvokeCommand(ctx, shared.CmdExportKey, op); err != nil {
		return key, err
	}
	if op.UpdatedSize(0) != shared.AESKeySize || len(op.Output(0)) != shared.AESKeySize {
		return key, shared.NewError(shared.ErrGeneric, "export key", "mismatch response, want %d, got %d", shared.AESKeySize, op.UpdatedSize(0))
	}
	copy(key[:], op.Output(0))
	c.logger.Security("Exported TA key to host")
	return key, nil
}

// KeyStatus asks the TA where its key came from.
func (c *KeyProvisionConnector) KeyStatus(ctx context.Context) (KeyStatus, error) {
	op := NewOperation(ValueOutput())
	if err := c.sess.InvokeCommand(ctx, shared.CmdKeyStatus, op); err != nil {
		return KeyStatus{}, err
	}
	a, b := op.Value(0)
	status := KeyStatus{Provenance: shared.KeyProvenance(a), Stored: b != 0}
	c.logger.DebugIf("Key status", zap.Stringer("provenance", status.Provenance), zap.Bool("stored", status.Stored))
	return status, nil
}

func (c *KeyProvisionConnector) Close(ctx context.Context) error {
	return c.sess.Close(ctx)
}
