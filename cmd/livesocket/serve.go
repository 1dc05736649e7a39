package main

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/livesocket/pkg/config"
	"github.com/go-go-golems/livesocket/pkg/hub"
	"github.com/go-go-golems/livesocket/pkg/hub/broadcast"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string
	var redisEnabled bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket hub and the publish API",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := root.settings.Server
			if cmd.Flags().Changed("addr") {
				s.Addr = addr
			}
			if cmd.Flags().Changed("redis") {
				s.Redis.Enabled = redisEnabled
			}
			return runServe(cmd.Context(), s)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().BoolVar(&redisEnabled, "redis", false, "Relay broadcasts between nodes through Redis Streams")
	return cmd
}

func buildServeMux(h *hub.Hub, s config.ServerSettings) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", h.Handler(hub.BearerTokens(s.Tokens)))
	mux.Handle("/api/publish", h.PublishHandler(hub.PublishTokens(s.PublishTokens)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func runServe(ctx context.Context, s config.ServerSettings) error {
	h := hub.New(
		hub.WithSendBuffer(s.SendBuffer),
		hub.WithWriteTimeout(s.WriteTimeout),
	)
	defer h.Close()

	eg, egCtx := errgroup.WithContext(ctx)

	if s.Redis.Enabled {
		nodeID := s.Redis.NodeID
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		if err := broadcast.EnsureGroupAtTail(ctx, s.Redis.Addr, s.Redis.Stream, broadcast.ConsumerGroup(nodeID)); err != nil {
			return err
		}
		pub, sub, err := broadcast.NewRedis(broadcast.RedisSettings{Addr: s.Redis.Addr, NodeID: nodeID}, log.Logger)
		if err != nil {
			return err
		}
		b, err := broadcast.New(pub, sub, h.LocalBroadcast, broadcast.WithTopic(s.Redis.Stream))
		if err != nil {
			return err
		}
		defer func() {
			if err := b.Close(); err != nil {
				log.Warn().Err(err).Msg("closing broadcaster")
			}
		}()
		h.SetBroadcaster(b)
		eg.Go(func() error { return b.Run(egCtx) })
		log.Info().Str("redis", s.Redis.Addr).Str("node_id", nodeID).Msg("cross-node broadcast enabled")
	}

	if len(s.Tokens) == 0 {
		log.Warn().Msg("no tokens configured, every websocket request will be rejected")
	}
	if len(s.PublishTokens) == 0 {
		log.Warn().Msg("no publish tokens configured, every publish request will be rejected")
	}

	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           buildServeMux(h, s),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	eg.Go(func() error {
		log.Info().Str("addr", s.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msg("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}
