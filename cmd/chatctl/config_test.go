package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
transport:
  kind: ws
  endpoint: ws://localhost:8080/chat
event_timeout: 30s
hidden_tools: [transfer_to_agent]
checkpoint:
  kind: sqlite
  uri: /tmp/chat.db
log:
  format: text
  debug: true
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "ws", cfg.Transport.Kind)
	require.Equal(t, "ws://localhost:8080/chat", cfg.Transport.Endpoint)
	require.Equal(t, 30*time.Second, cfg.eventTimeout)
	require.Equal(t, []string{"transfer_to_agent"}, cfg.HiddenTools)
	require.Equal(t, "sqlite", cfg.Checkpoint.Kind)
	require.True(t, cfg.Log.Debug)
	require.Equal(t, "chatctl.log", cfg.Log.File)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, "transport:\n  kind: sse\n  endpoint: http://a\n")
	t.Setenv("AGENTCHAT_TRANSPORT", "script")
	t.Setenv("AGENTCHAT_SCRIPT", "testdata/demo.yaml")
	t.Setenv("AGENTCHAT_HIDDEN_TOOLS", "a, b,,c")
	t.Setenv("AGENTCHAT_EVENT_TIMEOUT", "5s")
	t.Setenv("AGENTCHAT_DEBUG", "true")
	t.Setenv("AGENTCHAT_THREAD_ID", "thread-9")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "script", cfg.Transport.Kind)
	require.Equal(t, "testdata/demo.yaml", cfg.Transport.Script)
	require.Equal(t, []string{"a", "b", "c"}, cfg.HiddenTools)
	require.Equal(t, 5*time.Second, cfg.eventTimeout)
	require.True(t, cfg.Log.Debug)
	require.Equal(t, "thread-9", cfg.ThreadID)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing endpoint": "transport:\n  kind: sse\n",
		"unknown kind":     "transport:\n  kind: carrier_pigeon\n",
		"pulse no redis":   "transport:\n  kind: pulse\n",
		"mongo no uri":     "transport:\n  kind: script\n  script: x.yaml\ncheckpoint:\n  kind: mongo\n",
		"bad timeout":      "transport:\n  kind: script\n  script: x.yaml\nevent_timeout: soon\n",
		"bad log format":   "transport:\n  kind: script\n  script: x.yaml\nlog:\n  format: xml\n",
		"bad yaml":         "transport: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, doc))
			require.Error(t, err)
		})
	}
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
