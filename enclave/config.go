package enclave

import (
	"fmt"
	"log"
	"strings"
	"time"

	"enc-mnist/shared"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// ProvisioningMode decides whether pushed model bytes are ciphertext or
// plaintext. It is fixed for the lifetime of a deployment.
type ProvisioningMode string

const (
	ProvisionEncrypted ProvisioningMode = "encrypted"
	ProvisionPlaintext ProvisioningMode = "plaintext"
)

// DecryptStrategy decides when a stream load is decrypted.
type DecryptStrategy string

const (
	DecryptBuffered  DecryptStrategy = "buffered"
	DecryptStreaming DecryptStrategy = "streaming"
)

// Config holds the TA service configuration.
type Config struct {
	// Transport
	EnclaveMode  bool
	VsockPort    uint32
	TCPAddr      string
	MaxFrameSize uint32

	TAUUID         uuid.UUID
	SessionTimeout time.Duration

	// Model loading
	Provisioning    ProvisioningMode
	DecryptStrategy DecryptStrategy

	// Optional commands
	EnableEncryptModel bool
	EnableKeyExport    bool

	// Secure storage
	StorageDir        string
	StorageInMemory   bool
	StorageSealSecret string
}

// DefaultConfig returns a standalone configuration with in-memory storage.
func DefaultConfig() *Config {
	return &Config{
		VsockPort:       shared.DefaultVsockPort,
		TCPAddr:         shared.DefaultTCPAddr,
		MaxFrameSize:    shared.MaxFrameSize,
		TAUUID:          shared.DefaultTAUUID,
		SessionTimeout:  30 * time.Minute,
		Provisioning:    ProvisionEncrypted,
		DecryptStrategy: DecryptBuffered,
		StorageInMemory: true,
	}
}

// LoadConfig reads the TA configuration from the environment, after
// loading a .env file when one is present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	config := &Config{
		EnclaveMode:        shared.GetEnvBoolOrDefault("ENCLAVE_MODE", false),
		VsockPort:          shared.GetEnvUint32OrDefault("ENCLAVE_VSOCK_PORT", shared.DefaultVsockPort),
		TCPAddr:            shared.GetEnvOrDefault("ENCLAVE_TCP_ADDR", shared.DefaultTCPAddr),
		MaxFrameSize:       shared.GetEnvUint32OrDefault("ENCLAVE_MAX_FRAME_SIZE", shared.MaxFrameSize),
		SessionTimeout:     time.Duration(shared.GetEnvIntOrDefault("ENCLAVE_SESSION_TIMEOUT_MINUTES", 30)) * time.Minute,
		Provisioning:       ProvisioningMode(strings.ToLower(shared.GetEnvOrDefault("ENCLAVE_PROVISIONING", string(ProvisionEncrypted)))),
		DecryptStrategy:    DecryptStrategy(strings.ToLower(shared.GetEnvOrDefault("ENCLAVE_DECRYPT_STRATEGY", string(DecryptBuffered)))),
		EnableEncryptModel: shared.GetEnvBoolOrDefault("ENCLAVE_ENABLE_ENCRYPT_MODEL", false),
		EnableKeyExport:    shared.GetEnvBoolOrDefault("ENCLAVE_ENABLE_KEY_EXPORT", false),
		StorageDir:         shared.GetEnvOrDefault("ENCLAVE_STORAGE_DIR", "./ta-storage"),
		StorageInMemory:    shared.GetEnvBoolOrDefault("ENCLAVE_STORAGE_IN_MEMORY", false),
		StorageSealSecret:  shared.GetEnvOrDefault("ENCLAVE_STORAGE_SEAL_SECRET", ""),
	}

	taUUID, err := uuid.Parse(shared.GetEnvOrDefault("ENCLAVE_TA_UUID", shared.DefaultTAUUID.String()))
	if err != nil {
		return nil, fmt.Errorf("invalid ENCLAVE_TA_UUID: %v", err)
	}
	config.TAUUID = taUUID

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects unknown modes and unusable limits.
func (c *Config) Validate() error {
	var problems []string

	switch c.Provisioning {
	case ProvisionEncrypted, ProvisionPlaintext:
	default:
		problems = append(problems, fmt.Sprintf("ENCLAVE_PROVISIONING must be encrypted or plaintext, got %q", c.Provisioning))
	}
	switch c.DecryptStrategy {
	case DecryptBuffered, DecryptStreaming:
	default:
		problems = append(problems, fmt.Sprintf("ENCLAVE_DECRYPT_STRATEGY must be buffered or streaming, got %q", c.DecryptStrategy))
	}
	if c.MaxFrameSize < shared.ChunkSize*2 {
		problems = append(problems, fmt.Sprintf("ENCLAVE_MAX_FRAME_SIZE %d is below %d", c.MaxFrameSize, shared.ChunkSize*2))
	}
	if !c.StorageInMemory && c.StorageDir == "" {
		problems = append(problems, "ENCLAVE_STORAGE_DIR is required unless ENCLAVE_STORAGE_IN_MEMORY is set")
	}
	if c.EnclaveMode && c.StorageSealSecret == "" && !c.StorageInMemory {
		problems = append(problems, "ENCLAVE_STORAGE_SEAL_SECRET is required for persistent storage in enclave mode")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ListenAddr describes where the TA listens, for logging.
func (c *Config) ListenAddr() string {
	if c.EnclaveMode {
		return fmt.Sprintf("vsock:%d", c.VsockPort)
	}
	return "tcp:" + c.TCPAddr
}
