package host

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"enc-mnist/shared"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap/zaptest"
)

// xorWrap is a reversible stand-in for a KMS master key.
func xorWrap(keyID string, data []byte) []byte {
	pad := sha256.Sum256([]byte(keyID))
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ pad[i%len(pad)]
	}
	return out
}

type fakeAWSKMS struct {
	generated int
	decrypted int
}

func (f *fakeAWSKMS) GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if in.KeySpec != types.DataKeySpecAes256 {
		return nil, errors.New("unexpected key spec")
	}
	f.generated++
	plaintext := bytes.Repeat([]byte{byte(f.generated)}, shared.AESKeySize)
	return &kms.GenerateDataKeyOutput{
		KeyId:          in.KeyId,
		Plaintext:      plaintext,
		CiphertextBlob: xorWrap(aws.ToString(in.KeyId), plaintext),
	}, nil
}

func (f *fakeAWSKMS) Decrypt(ctx context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.decrypted++
	return &kms.DecryptOutput{Plaintext: xorWrap(aws.ToString(in.KeyId), in.CiphertextBlob)}, nil
}

type fakeGCPKMS struct{}

func (fakeGCPKMS) Encrypt(ctx context.Context, req *kmspb.EncryptRequest, _ ...gax.CallOption) (*kmspb.EncryptResponse, error) {
	return &kmspb.EncryptResponse{Ciphertext: xorWrap(req.Name, req.Plaintext)}, nil
}

func (fakeGCPKMS) Decrypt(ctx context.Context, req *kmspb.DecryptRequest, _ ...gax.CallOption) (*kmspb.DecryptResponse, error) {
	return &kmspb.DecryptResponse{Plaintext: xorWrap(req.Name, req.Ciphertext)}, nil
}

func TestKeyEscrowGeneratesThenUnwraps(t *testing.T) {
	ctx := context.Background()
	logger := shared.WrapLogger(zaptest.NewLogger(t), "escrow-test")
	fake := &fakeAWSKMS{}
	escrow := NewKeyEscrow(NewAWSKeyWrapper(fake, "alias/ta-key"), logger)
	path := filepath.Join(t.TempDir(), "ta-key.json")

	first, err := escrow.ResolveKey(ctx, path)
	if err != nil {
		t.Fatalf("Failed to generate escrowed key: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Escrow blob not written: %v", err)
	}
	if bytes.Contains(raw, first[:]) {
		t.Error("Escrow blob contains the plaintext key")
	}

	second, err := escrow.ResolveKey(ctx, path)
	if err != nil {
		t.Fatalf("Failed to unwrap escrowed key: %v", err)
	}
	if first != second {
		t.Error("Unwrapped key differs from generated key")
	}
	if fake.generated != 1 || fake.decrypted != 1 {
		t.Errorf("Expected one generate and one decrypt, got %d and %d", fake.generated, fake.decrypted)
	}
}

func TestKeyEscrowRejectsForeignBlob(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ta-key.json")

	if _, err := NewKeyEscrow(NewAWSKeyWrapper(&fakeAWSKMS{}, "alias/a"), nil).ResolveKey(ctx, path); err != nil {
		t.Fatalf("Failed to generate escrowed key: %v", err)
	}
	_, err := NewKeyEscrow(NewAWSKeyWrapper(&fakeAWSKMS{}, "alias/b"), nil).ResolveKey(ctx, path)
	if !errors.Is(err, shared.ErrBadParameters) {
		t.Errorf("Expected BadParameters for blob wrapped by another key, got %v", err)
	}
	gcp := NewGCPKeyWrapper(fakeGCPKMS{}, "alias/a", nil)
	if _, err := NewKeyEscrow(gcp, nil).ResolveKey(ctx, path); !errors.Is(err, shared.ErrBadParameters) {
		t.Errorf("Expected BadParameters for blob from another provider, got %v", err)
	}
}

func TestGCPKeyWrapperRoundTrip(t *testing.T) {
	ctx := context.Background()
	random := bytes.NewReader(bytes.Repeat([]byte{0x5A}, shared.AESKeySize))
	w := NewGCPKeyWrapper(fakeGCPKMS{}, "projects/p/locations/l/keyRings/r/cryptoKeys/k", random)

	dk, err := w.GenerateDataKey(ctx)
	if err != nil {
		t.Fatalf("Failed to generate data key: %v", err)
	}
	if !bytes.Equal(dk.Plaintext, bytes.Repeat([]byte{0x5A}, shared.AESKeySize)) {
		t.Error("Data key not drawn from the random source")
	}
	plain, err := w.Decrypt(ctx, dk.CiphertextBlob)
	if err != nil {
		t.Fatalf("Failed to unwrap: %v", err)
	}
	if !bytes.Equal(plain, dk.Plaintext) {
		t.Error("Unwrapped key mismatch")
	}
}

func TestNewKeyWrapperFromEnvSelectsProvider(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_PROFILE", "")

	w, err := NewKeyWrapperFromEnv(ctx, "AWS", "alias/ta", "eu-west-1")
	if err != nil {
		t.Fatalf("NewKeyWrapperFromEnv failed: %v", err)
	}
	if w.Provider() != KMSProviderAWS || w.KeyID() != "alias/ta" {
		t.Errorf("Expected aws wrapper for alias/ta, got %s %s", w.Provider(), w.KeyID())
	}

	if _, err := NewKeyWrapperFromEnv(ctx, "vault", "alias/ta", ""); !errors.Is(err, shared.ErrBadParameters) {
		t.Errorf("Expected BadParameters for unknown provider, got %v", err)
	}
	if _, err := NewKeyWrapperFromEnv(ctx, KMSProviderGCP, "", ""); !errors.Is(err, shared.ErrBadParameters) {
		t.Errorf("Expected BadParameters for missing key id, got %v", err)
	}
}
