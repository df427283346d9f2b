package shared

import "github.com/google/uuid"

const (
	AESKeySize   = 32
	AESBlockSize = 16

	// ChunkSize is the CBC window size and the default slice size of a
	// chunked model file.
	ChunkSize = 64 * 1024

	// LengthPrefixSize is the little-endian plaintext length carried in
	// front of every sealed payload.
	LengthPrefixSize = 4
)

// MNIST image geometry.
const (
	ImageWidth    = 28
	ImageHeight   = 28
	ImageChannels = 1
	ImageSize     = ImageWidth * ImageHeight * ImageChannels
)

// Secure storage object identifiers.
const (
	ObjectAESKey = "ta_unique_aes_key"
	ObjectModel  = "ta_persisted_model"
)

const (
	// MaxFrameSize bounds a single host to TA frame.
	MaxFrameSize = 256 * 1024 * 1024

	// EncryptSlack is the extra room a host reserves for ciphertext output.
	EncryptSlack = 1024

	DefaultVsockPort  = 5005
	DefaultTCPAddr    = "127.0.0.1:5005"
	DefaultParentCID  = 3
	DefaultEnclaveCID = 16
)

// DefaultTAUUID identifies the inference TA.
var DefaultTAUUID = uuid.MustParse("ff09aa8a-fbb9-4734-ae8c-d7cd1a3f6744")
