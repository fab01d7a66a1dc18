package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "[[users]]\nid = \"alice\"\ntoken = \"a\"\n")

	var mu sync.Mutex
	var got []*Config
	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		got = append(got, cfg)
		mu.Unlock()
	})
	require.NoError(t, err)
	go w.Run()
	defer w.Stop()

	body := "[[users]]\nid = \"alice\"\ntoken = \"a\"\n\n[[users]]\nid = \"bob\"\ntoken = \"b\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && len(got[len(got)-1].Users) == 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherIgnoresInvalidFileAndOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")

	calls := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { calls <- cfg })
	require.NoError(t, err)
	go w.Run()
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("[session\nbroken"), 0o600))

	select {
	case cfg := <-calls:
		t.Fatalf("unexpected reload: %+v", cfg)
	case <-time.After(400 * time.Millisecond):
	}
	assert.Empty(t, calls)
}
