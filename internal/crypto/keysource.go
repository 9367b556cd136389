package crypto

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// KeySource supplies master key material at startup and on rotation.
//
// Implementations return exactly MasterKeySize bytes or an error. They never
// log the material.
type KeySource interface {
	// Name returns a short identifier (e.g. "vault") used for diagnostics.
	Name() string

	// Load fetches the current master key.
	Load(ctx context.Context) ([]byte, error)
}

// LoadMasterKey loads and validates key material from src.
func LoadMasterKey(ctx context.Context, src KeySource) ([]byte, error) {
	key, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("master key unavailable from %s source: %w", src.Name(), err)
	}
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("master key from %s source must be %d bytes, got %d", src.Name(), MasterKeySize, len(key))
	}
	return key, nil
}

// DecodeKeyMaterial accepts raw 32-byte keys as well as base64 or hex
// encodings, with surrounding whitespace ignored.
func DecodeKeyMaterial(data []byte) ([]byte, error) {
	if len(data) == MasterKeySize {
		return append([]byte(nil), data...), nil
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, fmt.Errorf("key material is empty")
	}
	if len(text) == hex.EncodedLen(MasterKeySize) {
		if key, err := hex.DecodeString(text); err == nil {
			return key, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(text); err == nil {
			if len(key) != MasterKeySize {
				return nil, fmt.Errorf("decoded key must be %d bytes, got %d", MasterKeySize, len(key))
			}
			return key, nil
		}
	}
	return nil, fmt.Errorf("key material is neither raw, hex nor base64")
}

// EnvKeySource reads a base64 or hex key from an environment variable.
type EnvKeySource struct {
	Var string
}

func (s *EnvKeySource) Name() string { return "env" }

func (s *EnvKeySource) Load(context.Context) ([]byte, error) {
	value, ok := os.LookupEnv(s.Var)
	if !ok || value == "" {
		return nil, fmt.Errorf("environment variable %s is not set", s.Var)
	}
	return DecodeKeyMaterial([]byte(value))
}

// FileKeySource reads the key from a file.
type FileKeySource struct {
	Path string
}

func (s *FileKeySource) Name() string { return "file" }

func (s *FileKeySource) Load(context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return DecodeKeyMaterial(data)
}

// GeneratedKeySource creates a random key once per process. Records sealed
// under it cannot be opened after a restart.
type GeneratedKeySource struct {
	Logger *logrus.Logger
}

func (s *GeneratedKeySource) Name() string { return "generate" }

func (s *GeneratedKeySource) Load(context.Context) ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	if s.Logger != nil {
		s.Logger.Warn("Using a generated master key; stored secrets will not survive a restart")
	}
	return key, nil
}
