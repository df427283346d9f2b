package shared

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Helper functions for environment variable handling
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func GetEnvUint32OrDefault(key string, defaultValue uint32) uint32 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseUint(value, 10, 32); err == nil {
			return uint32(intValue)
		}
	}
	return defaultValue
}

func GetEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// ParseHexKey decodes a 64 character hex string into a 32-byte AES key.
// Anything other than exactly 64 hex digits is rejected before any
// cryptographic operation is attempted.
func ParseHexKey(s string) ([AESKeySize]byte, error) {
	var key [AESKeySize]byte
	s = strings.TrimSpace(s)
	if len(s) != AESKeySize*2 {
		return key, NewError(ErrBadParameters, "parse key", "key must be %d hex chars (%d bytes), got %d", AESKeySize*2, AESKeySize, len(s))
	}
	for i := 0; i < AESKeySize; i++ {
		b, err := hex.DecodeString(s[i*2 : i*2+2])
		if err != nil {
			return key, NewError(ErrBadParameters, "parse key", "invalid hex at position %d", i)
		}
		key[i] = b[0]
	}
	return key, nil
}

// FormatBytes renders a byte count for log lines and CLI output.
func FormatBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
