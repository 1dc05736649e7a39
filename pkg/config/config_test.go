package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), s)
	require.NoError(t, s.Validate())
	require.Equal(t, 2*time.Second, s.Client.ReconnectDelay)
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livesocket.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
client:
  url: wss://example.com/api/ws
  token_file: /run/user/token
  reconnect_delay: 500ms
server:
  tokens:
    abc: 1
    def: 2
  publish_tokens: [pub-secret]
  redis:
    enabled: true
    node_id: node-a
`), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", s.Log.Level)
	require.Equal(t, "auto", s.Log.Format, "unset keys keep their default")
	require.Equal(t, "wss://example.com/api/ws", s.Client.URL)
	require.Equal(t, "/run/user/token", s.Client.TokenFile)
	require.Equal(t, 500*time.Millisecond, s.Client.ReconnectDelay)
	require.Equal(t, map[string]int{"abc": 1, "def": 2}, s.Server.Tokens)
	require.Equal(t, []string{"pub-secret"}, s.Server.PublishTokens)
	require.True(t, s.Server.Redis.Enabled)
	require.Equal(t, "localhost:6379", s.Server.Redis.Addr)
	require.Equal(t, "node-a", s.Server.Redis.NodeID)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livesocket.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  reconect_delay: 1s\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestDecode_EmptyDocumentKeepsDefaults(t *testing.T) {
	s := Default()
	require.NoError(t, Decode(nil, &s))
	require.Equal(t, Default(), s)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"log format", func(s *Settings) { s.Log.Format = "xml" }},
		{"url scheme", func(s *Settings) { s.Client.URL = "http://localhost/ws" }},
		{"reconnect delay", func(s *Settings) { s.Client.ReconnectDelay = 0 }},
		{"max reconnect delay", func(s *Settings) { s.Client.MaxReconnectDelay = -time.Second }},
		{"send buffer", func(s *Settings) { s.Server.SendBuffer = 0 }},
		{"empty token", func(s *Settings) { s.Server.Tokens = map[string]int{" ": 1} }},
		{"user id", func(s *Settings) { s.Server.Tokens = map[string]int{"abc": 0} }},
		{"empty publish token", func(s *Settings) { s.Server.PublishTokens = []string{""} }},
		{"redis addr", func(s *Settings) {
			s.Server.Redis.Enabled = true
			s.Server.Redis.Addr = ""
		}},
		{"redis stream", func(s *Settings) {
			s.Server.Redis.Enabled = true
			s.Server.Redis.Stream = " "
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := Default()
			tc.mutate(&s)
			require.Error(t, s.Validate())
		})
	}
}
