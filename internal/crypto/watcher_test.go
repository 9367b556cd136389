package crypto

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFileWatcher_RotatesOnChange(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	dir := t.TempDir()
	path := filepath.Join(dir, "master.key")
	initial := testMasterKey(t)
	require.NoError(t, os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(initial)), 0600))

	engine, err := NewEngine(initial, Options{Logger: logger})
	require.NoError(t, err)
	sealed, err := engine.Seal("before-rotation", "u1", "github", nil)
	require.NoError(t, err)

	w, err := NewKeyFileWatcher(path, initial, engine, logger)
	require.NoError(t, err)
	defer w.Stop()

	var rotations int64
	w.OnRotate(func(int) { atomic.AddInt64(&rotations, 1) })
	go w.Start()

	// Rewriting identical material is not a rotation.
	require.NoError(t, w.reload())
	assert.Equal(t, 1, engine.ActiveKeyVersion())

	next := testMasterKey(t)
	require.NoError(t, os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(next)), 0600))

	require.Eventually(t, func() bool {
		return engine.ActiveKeyVersion() == 2
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&rotations))

	secret, _, err := engine.Unseal(sealed, "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "before-rotation", secret)
}

func TestKeyFileWatcher_StopIsIdempotent(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	path := filepath.Join(t.TempDir(), "master.key")
	key := testMasterKey(t)
	require.NoError(t, os.WriteFile(path, key, 0600))

	engine, err := NewEngine(key, Options{Logger: logger})
	require.NoError(t, err)
	w, err := NewKeyFileWatcher(path, key, engine, logger)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		w.Start()
		close(done)
	}()
	w.Stop()
	w.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
