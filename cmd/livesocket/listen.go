package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/livesocket/pkg/config"
	"github.com/go-go-golems/livesocket/pkg/livesocket"
	"github.com/go-go-golems/livesocket/pkg/livesocket/wstransport"
	"github.com/go-go-golems/livesocket/pkg/session"
)

type listenOptions struct {
	url       string
	tokenFile string
	token     string
	stdin     bool
}

func newListenCommand(root *rootOptions) *cobra.Command {
	opts := &listenOptions{}
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Keep a channel open and print every received message as a JSON line",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := root.settings.Client
			if cmd.Flags().Changed("url") {
				s.URL = opts.url
			}
			if cmd.Flags().Changed("token-file") {
				s.TokenFile = opts.tokenFile
			}
			if cmd.Flags().Changed("token") {
				s.Token = opts.token
			}
			var in io.Reader
			if opts.stdin {
				in = cmd.InOrStdin()
			}
			return runListen(cmd.Context(), s, cmd.OutOrStdout(), in)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "Websocket URL (ws:// or wss://)")
	cmd.Flags().StringVar(&opts.tokenFile, "token-file", "", "File holding the session token; the session is active while it is non-empty")
	cmd.Flags().StringVar(&opts.token, "token", "", "Static session token, used when no token file is given")
	cmd.Flags().BoolVar(&opts.stdin, "stdin", false, "Send every line read from stdin as a message")
	return cmd
}

// lineWriter serializes listener output so concurrent deliveries never interleave.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) writeMessage(m livesocket.Message) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(append(append([]byte(nil), m.Raw...), '\n')); err != nil {
		log.Warn().Err(err).Msg("could not write message")
	}
}

func runListen(ctx context.Context, s config.ClientSettings, out io.Writer, in io.Reader) error {
	if s.URL == "" {
		return errors.New("a websocket url is required")
	}

	var ctrl *livesocket.Controller
	var src *session.FileSource
	header := func() http.Header { return session.BearerHeader(s.Token) }
	if s.TokenFile != "" {
		var err error
		// callbacks only fire from src.Run, which starts after ctrl is assigned
		src, err = session.NewFileSource(s.TokenFile, func(active bool) {
			if err := ctrl.SetSessionActive(active); err != nil {
				log.Error().Err(err).Bool("active", active).Msg("could not apply session change")
			}
		})
		if err != nil {
			return err
		}
		header = src.Header
	}

	ctrl, err := newListenController(s, header)
	if err != nil {
		return err
	}
	if src == nil {
		if err := ctrl.SetSessionActive(true); err != nil {
			return err
		}
	}
	return listenLoop(ctx, ctrl, src, out, in)
}

func newListenController(s config.ClientSettings, header func() http.Header) (*livesocket.Controller, error) {
	factory := wstransport.NewFactory(s.URL,
		wstransport.WithHeader(header),
		wstransport.WithHandshakeTimeout(s.HandshakeTimeout),
		wstransport.WithWriteTimeout(s.WriteTimeout),
	)
	return livesocket.NewController(factory,
		livesocket.WithReconnectDelay(s.ReconnectDelay),
		livesocket.WithMaxReconnectDelay(s.MaxReconnectDelay),
		livesocket.WithDecodeErrorHandler(func(payload []byte, err error) {
			log.Debug().Err(err).Str("payload", string(payload)).Msg("undecodable message")
		}),
	)
}

func listenLoop(ctx context.Context, ctrl *livesocket.Controller, src *session.FileSource, out io.Writer, in io.Reader) error {
	lw := &lineWriter{w: out}
	id := ctrl.Subscribe(lw.writeMessage)
	defer ctrl.Unsubscribe(id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	if src != nil {
		go func() {
			errCh <- src.Run(ctx)
		}()
	}

	if err := ctrl.Start(); err != nil {
		return errors.Wrap(err, "start channel")
	}
	defer ctrl.Stop()
	log.Info().Str("state", ctrl.State().String()).Msg("channel started")

	if in != nil {
		go func() {
			errCh <- forwardLines(ctx, ctrl, in)
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// forwardLines sends every non-empty JSON line of in over the channel.
func forwardLines(ctx context.Context, ctrl *livesocket.Controller, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			log.Warn().Str("line", string(line)).Msg("skipping line that is not JSON")
			continue
		}
		payload := append([]byte(nil), line...)
		if err := ctrl.SendRaw(ctx, payload); err != nil {
			log.Warn().Err(err).Msg("could not send line")
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "read stdin")
	}
	// stdin closed: keep listening until interrupted
	<-ctx.Done()
	return nil
}
