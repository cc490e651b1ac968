package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileProviderInitialLoad(t *testing.T) {
	path := writeConfig(t, "server:\n  listen_address: \":9001\"\n")

	p, err := NewFileConfigProvider(path, zerolog.Nop())
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, ":9001", p.Current().Server.ListenAddress)
}

func TestFileProviderMissingFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	p, err := NewFileConfigProvider(path, zerolog.Nop())
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, Default().Server.ListenAddress, p.Current().Server.ListenAddress)
}

func TestFileProviderSubscribeDeliversCurrentSnapshot(t *testing.T) {
	path := writeConfig(t, "server:\n  listen_address: \":9002\"\n")

	p, err := NewFileConfigProvider(path, zerolog.Nop())
	require.NoError(t, err)
	defer p.Close()

	select {
	case cfg := <-p.Subscribe():
		assert.Equal(t, ":9002", cfg.Server.ListenAddress)
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot delivered")
	}
}

func TestFileProviderReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "server:\n  listen_address: \":9003\"\n")

	p, err := NewFileConfigProvider(path, zerolog.Nop())
	require.NoError(t, err)
	defer p.Close()

	updates := p.Subscribe()
	<-updates // initial snapshot

	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_address: \":9004\"\n"), 0o600))

	select {
	case cfg := <-updates:
		assert.Equal(t, ":9004", cfg.Server.ListenAddress)
	case <-time.After(3 * time.Second):
		t.Fatal("reload not observed")
	}
	assert.Equal(t, ":9004", p.Current().Server.ListenAddress)
}

func TestFileProviderKeepsLastGoodConfigOnInvalidWrite(t *testing.T) {
	path := writeConfig(t, "server:\n  listen_address: \":9005\"\n")

	p, err := NewFileConfigProvider(path, zerolog.Nop())
	require.NoError(t, err)
	defer p.Close()

	// An invalid rewrite must not clobber the running config.
	require.NoError(t, os.WriteFile(path, []byte("resources:\n  max_cpu_percent: 500\n"), 0o600))

	assert.Eventually(t, func() bool {
		return p.Current().Server.ListenAddress == ":9005"
	}, time.Second, 50*time.Millisecond)
	// Give the debounce a chance to fire, then confirm nothing changed.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, ":9005", p.Current().Server.ListenAddress)
	assert.Equal(t, Default().Resources.MaxCPUPercent, p.Current().Resources.MaxCPUPercent)
}
