package agentcli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/neuroplastio/neio-relay/pkg/agent"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintOutput(t *testing.T) {
	v := []struct {
		ID   string `json:"id" yaml:"id"`
		Peer string `json:"peer" yaml:"peer"`
	}{{ID: "a", Peer: "p"}}

	tests := []struct {
		format  string
		want    string
		wantErr bool
	}{
		{format: "json", want: "[\n  {\n    \"id\": \"a\",\n    \"peer\": \"p\"\n  }\n]\n"},
		{format: "yaml", want: "- id: a\n  peer: p\n"},
		{format: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			err := printOutput(&buf, tt.format, v)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yml")
	require.NoError(t, os.WriteFile(path, []byte("transport: tcp\nlisten: 0.0.0.0:7000\nignoreVendors: [1133]\n"), 0644))

	defaults := agent.DefaultConfig(dir)
	flags := defaults
	flags.ConfigFile = path
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVar(&flags.Listen, "listen", flags.Listen, "")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "")
	require.NoError(t, cmd.Flags().Parse([]string{"--log-level", "debug"}))

	cfg, err := loadConfig(cmd, flags, defaults)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, "tcp", cfg.Transport)
	assert.Equal(t, "0.0.0.0:7000", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, uint8(22), cfg.Channel)
	assert.Equal(t, []int{1133}, cfg.IgnoreVendors)
}

func TestLoadConfigCreatesFile(t *testing.T) {
	dir := t.TempDir()
	defaults := agent.DefaultConfig(dir)
	flags := defaults
	flags.ConfigFile = filepath.Join(dir, "relay.yml")

	cfg, err := loadConfig(&cobra.Command{Use: "test"}, flags, defaults)
	require.NoError(t, err)
	assert.Equal(t, "rfcomm", cfg.Transport)
	assert.FileExists(t, flags.ConfigFile)
}
