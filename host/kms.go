package host

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"enc-mnist/shared"

	gcpkms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
)

const (
	KMSProviderAWS = "aws"
	KMSProviderGCP = "gcp"
)

// DataKey is a TA key together with its KMS-wrapped form.
type DataKey struct {
	Plaintext      []byte
	CiphertextBlob []byte
}

// KeyWrapper generates and unwraps TA keys under a KMS master key.
// Implementations never persist plaintext keys.
type KeyWrapper interface {
	GenerateDataKey(ctx context.Context) (*DataKey, error)
	Decrypt(ctx context.Context, blob []byte) ([]byte, error)
	Provider() string
	KeyID() string
}

// AWSKMSAPI is the part of the AWS KMS client the escrow needs.
type AWSKMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// AWSKeyWrapper wraps keys with AWS KMS GenerateDataKey.
type AWSKeyWrapper struct {
	client AWSKMSAPI
	keyID  string
}

func NewAWSKeyWrapper(client AWSKMSAPI, keyID string) *AWSKeyWrapper {
	return &AWSKeyWrapper{client: client, keyID: keyID}
}

// NewKeyWrapperFromEnv picks the wrapper for provider ("aws" or "gcp", any
// case). region only applies to AWS.
func NewKeyWrapperFromEnv(ctx context.Context, provider, keyID, region string) (KeyWrapper, error) {
	if keyID == "" {
		return nil, shared.NewError(shared.ErrBadParameters, "kms", "key id is required")
	}
	switch strings.ToLower(provider) {
	case KMSProviderAWS:
		return NewAWSKeyWrapperFromEnv(ctx, region, keyID)
	case KMSProviderGCP:
		return NewGCPKeyWrapperFromEnv(ctx, keyID)
	default:
		return nil, shared.NewError(shared.ErrBadParameters, "kms", "unknown KMS provider %q", provider)
	}
}

// NewAWSKeyWrapperFromEnv builds a client from the default AWS config
// chain. An empty region keeps the chain's region.
func NewAWSKeyWrapperFromEnv(ctx context.Context, region, keyID string) (*AWSKeyWrapper, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewAWSKeyWrapper(kms.NewFromConfig(awsConfig), keyID), nil
}

func (w *AWSKeyWrapper) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	out, err := w.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(w.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS GenerateDataKey failed: %w", err)
	}
	return &DataKey{Plaintext: out.Plaintext, CiphertextBlob: out.CiphertextBlob}, nil
}

func (w *AWSKeyWrapper) Decrypt(ctx context.Context, blob []byte) ([]byte, error) {
	out, err := w.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(w.keyID),
		CiphertextBlob: blob,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS Decrypt failed: %w", err)
	}
	return out.Plaintext, nil
}

func (w *AWSKeyWrapper) Provider() string { return KMSProviderAWS }
func (w *AWSKeyWrapper) KeyID() string    { return w.keyID }

// GCPKMSAPI is the part of the Cloud KMS client the escrow needs.
type GCPKMSAPI interface {
	Encrypt(ctx context.Context, req *kmspb.EncryptRequest, opts ...gax.CallOption) (*kmspb.EncryptResponse, error)
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest, opts ...gax.CallOption) (*kmspb.DecryptResponse, error)
}

// GCPKeyWrapper generates keys locally and wraps them with Cloud KMS.
type GCPKeyWrapper struct {
	client      GCPKMSAPI
	keyResource string
	random      io.Reader
}

func NewGCPKeyWrapper(client GCPKMSAPI, keyResource string, random io.Reader) *GCPKeyWrapper {
	if random == nil {
		random = rand.Reader
	}
	return &GCPKeyWrapper{client: client, keyResource: keyResource, random: random}
}

// NewGCPKeyWrapperFromEnv uses application default credentials.
// keyResource is projects/P/locations/L/keyRings/R/cryptoKeys/K.
func NewGCPKeyWrapperFromEnv(ctx context.Context, keyResource string) (*GCPKeyWrapper, error) {
	client, err := gcpkms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCP KMS client: %w", err)
	}
	return NewGCPKeyWrapper(client, keyResource, nil), nil
}

func (w *GCPKeyWrapper) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	plaintext := make([]byte, shared.AESKeySize)
	if _, err := io.ReadFull(w.random, plaintext); err != nil {
		return nil, fmt.Errorf("failed to generate random data key: %w", err)
	}
	resp, err := w.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:      w.keyResource,
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("gcp kms Encrypt failed: %w", err)
	}
	return &DataKey{Plaintext: plaintext, CiphertextBlob: resp.Ciphertext}, nil
}

func (w *GCPKeyWrapper) Decrypt(ctx context.Context, blob []byte) ([]byte, error) {
	resp, err := w.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       w.keyResource,
		Ciphertext: blob,
	})
	if err != nil {
		return nil, fmt.Errorf("gcp kms Decrypt failed: %w", err)
	}
	return resp.Plaintext, nil
}

func (w *GCPKeyWrapper) Provider() string { return KMSProviderGCP }
func (w *GCPKeyWrapper) KeyID() string    { return w.keyResource }

// EscrowBlob is the on-disk form of a wrapped TA key.
type EscrowBlob struct {
	Provider       string `json:"provider"`
	KeyID          string `json:"key_id"`
	CiphertextBlob []byte `json:"ciphertext_blob"`
}

// KeyEscrow keeps the TA key recoverable through a KMS without ever
// writing it to disk in the clear.
type KeyEscrow struct {
	wrapper KeyWrapper
	logger  *shared.Logger
}

func NewKeyEscrow(wrapper KeyWrapper, logger *shared.Logger) *KeyEscrow {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &KeyEscrow{wrapper: wrapper, logger: logger}
}

// ResolveKey unwraps the key in blobPath, or generates a new key and writes
// its wrapped form to blobPath when the file does not exist yet.
func (e *KeyEscrow) ResolveKey(ctx context.Context, blobPath string) ([shared.AESKeySize]byte, error) {
	var key [shared.AESKeySize]byte

	raw, err := os.ReadFile(blobPath)
	switch {
	case err == nil:
		var blob EscrowBlob
		if err := json.Unmarshal(raw, &blob); err != nil {
			return key, shared.WrapError(shared.ErrBadFormat, "escrow blob", err)
		}
		if blob.Provider != e.wrapper.Provider() || blob.KeyID != e.wrapper.KeyID() {
			return key, shared.NewError(shared.ErrBadParameters, "escrow blob", "blob was wrapped by %s key %q", blob.Provider, blob.KeyID)
		}
		plaintext, err := e.wrapper.Decrypt(ctx, blob.CiphertextBlob)
		if err != nil {
			return key, err
		}
		if len(plaintext) != shared.AESKeySize {
			return key, shared.NewError(shared.ErrBadParameters, "escrow blob", "unwrapped key is %d bytes", len(plaintext))
		}
		copy(key[:], plaintext)
		e.logger.Security("Unwrapped escrowed TA key", zap.String("provider", blob.Provider), zap.String("key_id", blob.KeyID))
		return key, nil

	case errors.Is(err, fs.ErrNotExist):
		dk, err := e.wrapper.GenerateDataKey(ctx)
		if err != nil {
			return key, err
		}
		if len(dk.Plaintext) != shared.AESKeySize {
			return key, shared.NewError(shared.ErrBadParameters, "escrow", "KMS returned a %d byte key", len(dk.Plaintext))
		}
		blob := EscrowBlob{Provider: e.wrapper.Provider(), KeyID: e.wrapper.KeyID(), CiphertextBlob: dk.CiphertextBlob}
		out, err := json.MarshalIndent(blob, "", "  ")
		if err != nil {
			return key, fmt.Errorf("failed to encode escrow blob: %w", err)
		}
		if err := os.WriteFile(blobPath, out, 0o600); err != nil {
			return key, fmt.Errorf("failed to write escrow blob: %w", err)
		}
		copy(key[:], dk.Plaintext)
		e.logger.Security("Generated escrowed TA key", zap.String("provider", blob.Provider), zap.String("blob", blobPath))
		return key, nil

	default:
		return key, fmt.Errorf("failed to read escrow blob: %w", err)
	}
}
