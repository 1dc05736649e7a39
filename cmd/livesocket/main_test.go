package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/livesocket/pkg/config"
	"github.com/go-go-golems/livesocket/pkg/hub"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestBuildServeMux_Healthz(t *testing.T) {
	h := hub.New()
	defer h.Close()
	srv := httptest.NewServer(buildServeMux(h, config.ServerSettings{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))
}

func TestBuildServeMux_RejectsUnknownToken(t *testing.T) {
	h := hub.New()
	defer h.Close()
	srv := httptest.NewServer(buildServeMux(h, config.ServerSettings{Tokens: map[string]int{"good": 1}}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer bad")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBuildServeMux_PublishRequiresToken(t *testing.T) {
	h := hub.New()
	defer h.Close()
	srv := httptest.NewServer(buildServeMux(h, config.ServerSettings{
		Tokens:        map[string]int{"secret": 1},
		PublishTokens: []string{"pub"},
	}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/publish?user=1", "application/json", strings.NewReader(`{"type":"forged"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// a websocket token is not a publish token
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/publish?user=1", strings.NewReader(`{"type":"forged"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRootCommand_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nope: true\n"), 0o600))

	cmd := newRootCommand()
	cmd.SetArgs([]string{"--config", path, "listen"})
	cmd.SetOut(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse config")
}

func TestRunListen_RequiresURL(t *testing.T) {
	s := config.Default().Client
	s.URL = ""
	require.Error(t, runListen(context.Background(), s, io.Discard, nil))
}

func TestRunListen_ReceivesPublishedMessages(t *testing.T) {
	h := hub.New()
	defer h.Close()
	srv := httptest.NewServer(buildServeMux(h, config.ServerSettings{
		Tokens:        map[string]int{"secret": 7},
		PublishTokens: []string{"pub"},
	}))
	defer srv.Close()

	s := config.Default().Client
	s.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	s.Token = "secret"
	s.ReconnectDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runListen(ctx, s, out, nil)
	}()

	require.Eventually(t, func() bool { return h.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/publish?user=7",
		strings.NewReader(`{"type":"note","text":"hi"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer pub")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `{"type":"note","text":"hi"}`+"\n")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not return after cancel")
	}
}
