package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const argon2ID = "argon2id"

// HasherConfig holds the Argon2id cost parameters. The defaults match the
// production tuning of the platform (64 MiB, 3 passes, 4 lanes).
type HasherConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func DefaultHasherConfig() HasherConfig {
	return HasherConfig{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 4,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher hashes and verifies passwords with Argon2id. The salt and cost
// parameters are embedded in the encoded hash, so Verify needs no state
// beyond the stored string.
type Hasher struct {
	config HasherConfig
}

func NewHasher(config HasherConfig) (*Hasher, error) {
	if config.Memory < 8*1024 {
		return nil, errors.New("argon2 memory must be >= 8192 KiB")
	}
	if config.Time < 1 {
		return nil, errors.New("argon2 time must be >= 1")
	}
	if config.Parallelism < 1 {
		return nil, errors.New("argon2 parallelism must be >= 1")
	}
	if config.SaltLength < 16 {
		return nil, errors.New("argon2 salt length must be >= 16")
	}
	if config.KeyLength < 16 {
		return nil, errors.New("argon2 key length must be >= 16")
	}
	return &Hasher{config: config}, nil
}

func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.config.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.config.Time, h.config.Memory, h.config.Parallelism, h.config.KeyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2ID,
		argon2.Version,
		h.config.Memory,
		h.config.Time,
		h.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches the encoded hash. A malformed hash
// yields (false, err); the caller logs that at low severity and treats the
// check as failed rather than surfacing a distinct outcome.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	parsed, err := parseEncodedHash(encoded)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), parsed.salt, parsed.time, parsed.memory, parsed.parallelism, uint32(len(parsed.key)))

	return subtle.ConstantTimeCompare(computed, parsed.key) == 1, nil
}

type parsedHash struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parseEncodedHash(encoded string) (parsedHash, error) {
	var parsed parsedHash

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return parsed, errors.New("malformed password hash")
	}
	if parts[1] != argon2ID {
		return parsed, errors.New("unsupported password hash algorithm")
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") {
		return parsed, errors.New("malformed password hash version")
	}
	if version != argon2.Version {
		return parsed, errors.New("unsupported argon2 version")
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &parsed.memory, &parsed.time, &parsed.parallelism); err != nil {
		return parsed, errors.New("malformed password hash parameters")
	}
	if parsed.memory < 8*1024 || parsed.time < 1 || parsed.parallelism < 1 {
		return parsed, errors.New("password hash parameters below minimum")
	}

	parsed.salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(parsed.salt) < 16 {
		return parsed, errors.New("malformed password hash salt")
	}

	parsed.key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(parsed.key) == 0 {
		return parsed, errors.New("malformed password hash key")
	}

	return parsed, nil
}
