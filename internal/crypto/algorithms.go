package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AlgorithmAES256GCM is the default sealing algorithm.
	AlgorithmAES256GCM = "AES256-GCM"
	// AlgorithmChaCha20Poly1305 is accepted as an alternative for hosts
	// without AES hardware support.
	AlgorithmChaCha20Poly1305 = "ChaCha20-Poly1305"
)

// algorithmSpec describes one AEAD the engine can seal and open with.
type algorithmSpec struct {
	keySize   int
	nonceSize int
	newAEAD   func(key []byte) (cipher.AEAD, error)
}

var algorithms = map[string]algorithmSpec{
	AlgorithmAES256GCM: {
		keySize:   aesKeySize,
		nonceSize: nonceSize,
		newAEAD: func(key []byte) (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, fmt.Errorf("failed to create AES cipher: %w", err)
			}
			return cipher.NewGCM(block)
		},
	},
	AlgorithmChaCha20Poly1305: {
		keySize:   chacha20poly1305.KeySize,
		nonceSize: chacha20poly1305.NonceSize,
		newAEAD:   chacha20poly1305.New,
	},
}

// KnownAlgorithms lists every algorithm identifier the engine understands.
func KnownAlgorithms() []string {
	return []string{AlgorithmAES256GCM, AlgorithmChaCha20Poly1305}
}

// IsKnownAlgorithm reports whether alg is implemented.
func IsKnownAlgorithm(alg string) bool {
	_, ok := algorithms[alg]
	return ok
}

// newAEAD creates the AEAD for algorithm keyed with key.
func newAEAD(algorithm string, key []byte) (cipher.AEAD, error) {
	spec, ok := algorithms[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
	if len(key) != spec.keySize {
		return nil, fmt.Errorf("invalid key size for %s: expected %d bytes, got %d", algorithm, spec.keySize, len(key))
	}
	aead, err := spec.newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s cipher: %w", algorithm, err)
	}
	if aead.NonceSize() != spec.nonceSize || aead.Overhead() != tagSize {
		return nil, fmt.Errorf("unexpected parameters for %s", algorithm)
	}
	return aead, nil
}

// nonceSizeFor returns the nonce length for algorithm.
func nonceSizeFor(algorithm string) (int, error) {
	spec, ok := algorithms[algorithm]
	if !ok {
		return 0, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
	return spec.nonceSize, nil
}

// isAlgorithmSupported checks algorithm against an allow list. An empty list
// allows every known algorithm.
func isAlgorithmSupported(algorithm string, supported []string) bool {
	if !IsKnownAlgorithm(algorithm) {
		return false
	}
	if len(supported) == 0 {
		return true
	}
	for _, alg := range supported {
		if alg == algorithm {
			return true
		}
	}
	return false
}
