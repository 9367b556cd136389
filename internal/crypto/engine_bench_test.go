package crypto

import (
	"crypto/rand"
	"strings"
	"testing"
)

func benchEngine(b *testing.B, algorithm string) *Engine {
	b.Helper()
	master := make([]byte, MasterKeySize)
	if _, err := rand.Read(master); err != nil {
		b.Fatalf("Failed to generate master key: %v", err)
	}
	engine, err := NewEngine(master, Options{PreferredAlgorithm: algorithm})
	if err != nil {
		b.Fatalf("Failed to create engine: %v", err)
	}
	return engine
}

func benchmarkSeal(b *testing.B, algorithm string, size int) {
	engine := benchEngine(b, algorithm)
	secret := strings.Repeat("s", size)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Seal(secret, "github:583231", "github", nil); err != nil {
			b.Fatalf("Seal failed: %v", err)
		}
	}
}

func benchmarkUnseal(b *testing.B, algorithm string, size int) {
	engine := benchEngine(b, algorithm)
	rec, err := engine.Seal(strings.Repeat("s", size), "github:583231", "github", nil)
	if err != nil {
		b.Fatalf("Seal failed: %v", err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, _, err := engine.Unseal(rec, "github:583231", "github"); err != nil {
			b.Fatalf("Unseal failed: %v", err)
		}
	}
}

func BenchmarkEngine_Seal_Token(b *testing.B) {
	benchmarkSeal(b, AlgorithmAES256GCM, 40)
}

func BenchmarkEngine_Seal_ServiceAccountJSON(b *testing.B) {
	benchmarkSeal(b, AlgorithmAES256GCM, 4096)
}

func BenchmarkEngine_Seal_ChaCha20(b *testing.B) {
	benchmarkSeal(b, AlgorithmChaCha20Poly1305, 40)
}

func BenchmarkEngine_Unseal_Token(b *testing.B) {
	benchmarkUnseal(b, AlgorithmAES256GCM, 40)
}

func BenchmarkEngine_Unseal_ChaCha20(b *testing.B) {
	benchmarkUnseal(b, AlgorithmChaCha20Poly1305, 40)
}

func BenchmarkEngine_AuditFingerprint(b *testing.B) {
	engine := benchEngine(b, AlgorithmAES256GCM)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		engine.AuditFingerprint("ghp_0123456789abcdef", "github:583231", "github")
	}
}
