// Package session derives the session-active signal from a token file.
//
// A present, non-empty token file means a session is active. The file is typically written by a
// login flow and removed on logout or expiry.
package session

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FileSource watches a token file and reports session transitions.
type FileSource struct {
	path     string
	onChange func(active bool)
	logger   zerolog.Logger

	mu       sync.Mutex
	token    string
	active   bool
	reported bool
}

type Option func(*FileSource)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *FileSource) {
		s.logger = logger
	}
}

func NewFileSource(path string, onChange func(active bool), opts ...Option) (*FileSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("token file path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve token file %s", path)
	}
	s := &FileSource{
		path:     filepath.Clean(abs),
		onChange: onChange,
		logger:   log.With().Str("component", "session").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("token_file", s.path).Logger()
	return s, nil
}

// Refresh re-reads the token file and reports a transition when the session state changed. The first
// call always reports.
func (s *FileSource) Refresh() (bool, error) {
	token, err := readToken(s.path)
	if err != nil {
		return s.Active(), err
	}

	s.mu.Lock()
	active := token != ""
	changed := !s.reported || active != s.active
	rotated := s.reported && active && s.active && token != s.token
	s.token = token
	s.active = active
	s.reported = true
	s.mu.Unlock()

	if rotated {
		s.logger.Debug().Msg("session token rotated")
	}
	if changed {
		s.logger.Info().Bool("active", active).Msg("session state changed")
		if s.onChange != nil {
			s.onChange(active)
		}
	}
	return active, nil
}

// Run reports the current state, then watches the token file until ctx is done.
func (s *FileSource) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create file watcher")
	}
	defer func() {
		_ = w.Close()
	}()

	// watch the directory: editors and login tools usually replace the file rather than write it
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return errors.Wrapf(err, "watch %s", filepath.Dir(s.path))
	}
	if _, err := s.Refresh(); err != nil {
		s.logger.Warn().Err(err).Msg("could not read token file")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if _, err := s.Refresh(); err != nil {
				s.logger.Warn().Err(err).Str("op", ev.Op.String()).Msg("could not read token file")
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (s *FileSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *FileSource) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Header returns the bearer authorization header for the current token, or an empty header when
// there is no session.
func (s *FileSource) Header() http.Header {
	return BearerHeader(s.Token())
}

func BearerHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "read token file %s", path)
	}
	return strings.TrimSpace(string(data)), nil
}
