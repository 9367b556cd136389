package crypto

import (
	"crypto/rand"
	"testing"
)

func TestNewAEAD(t *testing.T) {
	key := make([]byte, aesKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	for _, alg := range KnownAlgorithms() {
		aead, err := newAEAD(alg, key)
		if err != nil {
			t.Fatalf("newAEAD(%s): %v", alg, err)
		}
		if aead.NonceSize() != nonceSize {
			t.Fatalf("%s: expected nonce size %d, got %d", alg, nonceSize, aead.NonceSize())
		}
		if aead.Overhead() != tagSize {
			t.Fatalf("%s: expected tag size %d, got %d", alg, tagSize, aead.Overhead())
		}
	}
}

func TestNewAEAD_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		algorithm string
		keyLen    int
	}{
		{name: "unknown algorithm", algorithm: "INVALID", keyLen: aesKeySize},
		{name: "short AES key", algorithm: AlgorithmAES256GCM, keyLen: 16},
		{name: "short ChaCha key", algorithm: AlgorithmChaCha20Poly1305, keyLen: 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newAEAD(tt.algorithm, make([]byte, tt.keyLen)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNonceSizeFor(t *testing.T) {
	tests := []struct {
		algorithm string
		expected  int
		wantErr   bool
	}{
		{algorithm: AlgorithmAES256GCM, expected: 12},
		{algorithm: AlgorithmChaCha20Poly1305, expected: 12},
		{algorithm: "INVALID", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			size, err := nonceSizeFor(tt.algorithm)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if size != tt.expected {
				t.Fatalf("expected %d, got %d", tt.expected, size)
			}
		})
	}
}

func TestIsAlgorithmSupported(t *testing.T) {
	tests := []struct {
		name      string
		algorithm string
		supported []string
		expected  bool
	}{
		{"empty list allows AES", AlgorithmAES256GCM, nil, true},
		{"empty list allows ChaCha", AlgorithmChaCha20Poly1305, nil, true},
		{"empty list rejects unknown", "DES", nil, false},
		{"listed", AlgorithmAES256GCM, []string{AlgorithmAES256GCM}, true},
		{"not listed", AlgorithmChaCha20Poly1305, []string{AlgorithmAES256GCM}, false},
		{"unknown even if listed", "DES", []string{"DES"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isAlgorithmSupported(tt.algorithm, tt.supported); got != tt.expected {
				t.Fatalf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}
