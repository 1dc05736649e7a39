// Package config loads livesocket settings from YAML.
package config

import (
	"bytes"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/livesocket/pkg/livesocket"
)

type Settings struct {
	Log    LogSettings    `yaml:"log"`
	Client ClientSettings `yaml:"client"`
	Server ServerSettings `yaml:"server"`
}

type LogSettings struct {
	Level string `yaml:"level"`
	// Format is one of auto, console or json. auto picks console when stderr is a terminal.
	Format string `yaml:"format"`
}

// ClientSettings configures `livesocket listen`.
type ClientSettings struct {
	URL string `yaml:"url"`
	// TokenFile is watched for the session token. When empty, Token is used and the session is
	// always active.
	TokenFile         string        `yaml:"token_file"`
	Token             string        `yaml:"token"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// ServerSettings configures `livesocket serve`.
type ServerSettings struct {
	Addr string `yaml:"addr"`
	// Tokens maps bearer tokens to user ids.
	Tokens map[string]int `yaml:"tokens"`
	// PublishTokens are the bearer tokens accepted by /api/publish.
	PublishTokens []string      `yaml:"publish_tokens"`
	SendBuffer    int           `yaml:"send_buffer"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	Redis         RedisSettings `yaml:"redis"`
}

type RedisSettings struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Stream  string `yaml:"stream"`
	NodeID  string `yaml:"node_id"`
}

func Default() Settings {
	return Settings{
		Log: LogSettings{
			Level:  "info",
			Format: "auto",
		},
		Client: ClientSettings{
			URL:              "ws://localhost:8080/ws",
			ReconnectDelay:   livesocket.DefaultReconnectDelay,
			HandshakeTimeout: 45 * time.Second,
			WriteTimeout:     10 * time.Second,
		},
		Server: ServerSettings{
			Addr:         ":8080",
			SendBuffer:   256,
			WriteTimeout: 10 * time.Second,
			Redis: RedisSettings{
				Addr:   "localhost:6379",
				Stream: "livesocket.broadcast",
			},
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Settings, error) {
	s := Default()
	if strings.TrimSpace(path) == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s, errors.Wrapf(err, "read config %s", path)
	}
	if err := Decode(data, &s); err != nil {
		return s, errors.Wrapf(err, "parse config %s", path)
	}
	if err := s.Validate(); err != nil {
		return s, errors.Wrapf(err, "invalid config %s", path)
	}
	return s, nil
}

// Decode overlays YAML data onto s. Unknown keys are rejected.
func Decode(data []byte, s *Settings) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s Settings) Validate() error {
	switch s.Log.Format {
	case "auto", "console", "json":
	default:
		return errors.Errorf("log.format must be auto, console or json, got %q", s.Log.Format)
	}
	if s.Client.URL != "" {
		u, err := url.Parse(s.Client.URL)
		if err != nil {
			return errors.Wrap(err, "client.url")
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.Errorf("client.url must use ws or wss, got %q", u.Scheme)
		}
	}
	if s.Client.ReconnectDelay <= 0 {
		return errors.New("client.reconnect_delay must be positive")
	}
	if s.Client.MaxReconnectDelay < 0 {
		return errors.New("client.max_reconnect_delay must not be negative")
	}
	if s.Server.SendBuffer <= 0 {
		return errors.New("server.send_buffer must be positive")
	}
	for token, userID := range s.Server.Tokens {
		if strings.TrimSpace(token) == "" {
			return errors.New("server.tokens contains an empty token")
		}
		if userID <= 0 {
			return errors.Errorf("server.tokens: user id for a token must be positive, got %d", userID)
		}
	}
	for _, token := range s.Server.PublishTokens {
		if strings.TrimSpace(token) == "" {
			return errors.New("server.publish_tokens contains an empty token")
		}
	}
	if s.Server.Redis.Enabled {
		if strings.TrimSpace(s.Server.Redis.Addr) == "" {
			return errors.New("server.redis.addr is required when redis is enabled")
		}
		if strings.TrimSpace(s.Server.Redis.Stream) == "" {
			return errors.New("server.redis.stream is required when redis is enabled")
		}
	}
	return nil
}
