package configsvc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testConfig struct {
	LogLevel      string `json:"logLevel"`
	IgnoreVendors []int  `json:"ignoreVendors"`
	Channel       int    `json:"channel"`
}

func TestEnsureWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relay.yml")
	def := testConfig{LogLevel: "info", Channel: 22}

	config, err := Ensure(path, def)
	require.NoError(t, err)
	assert.Equal(t, def, config)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "channel: 22")

	loaded, err := Load(path, testConfig{})
	require.NoError(t, err)
	assert.Equal(t, def, loaded)
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yml")
	require.NoError(t, os.WriteFile(path, []byte("ignoreVendors: [1133]\n"), 0644))

	config, err := Load(path, testConfig{LogLevel: "info", Channel: 22})
	require.NoError(t, err)
	assert.Equal(t, testConfig{LogLevel: "info", IgnoreVendors: []int{1133}, Channel: 22}, config)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"), testConfig{})
	assert.Error(t, err)
}

func TestRegisterReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yml")
	require.NoError(t, os.WriteFile(path, []byte("logLevel: info\n"), 0644))

	svc := New(zap.NewNop(), WithDebounce(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- svc.Start(ctx)
	}()
	<-svc.Ready()

	updates := make(chan testConfig, 4)
	config, err := Register(svc, path, testConfig{}, func(config testConfig, err error) {
		if err == nil {
			updates <- config
		}
	})
	require.NoError(t, err)
	assert.Equal(t, "info", config.LogLevel)

	require.NoError(t, os.WriteFile(path, []byte("logLevel: debug\nignoreVendors: [1]\n"), 0644))
	select {
	case config := <-updates:
		assert.Equal(t, "debug", config.LogLevel)
		assert.Equal(t, []int{1}, config.IgnoreVendors)
	case <-time.After(2 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	assert.NoError(t, <-done)
}
