package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edusync/rtc/internal/channels"
	"github.com/edusync/rtc/internal/config"
	"github.com/edusync/rtc/internal/httpserver"
	"github.com/edusync/rtc/internal/metrics"
	"github.com/edusync/rtc/internal/signaling"
	"github.com/edusync/rtc/internal/turnrest"
)

var serveListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay and REST surface",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "listen address override (default from EDUSYNC_RTC_LISTEN_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serveListenAddr != "" {
		cfg.ListenAddr = serveListenAddr
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	logger.Info("starting edusync-rtc",
		"commit", commit,
		"listen_addr", cfg.ListenAddr,
		"channel_db_path", cfg.ChannelDBPath,
		"max_room_participants", cfg.MaxRoomParticipants,
		"max_signal_message_bytes", cfg.MaxSignalMessageBytes,
		"signal_messages_per_second", cfg.SignalMessagesPerSecond,
		"turn_rest_enabled", cfg.TURNRESTSecret != "",
	)

	logStartupWarnings(logger, cfg)

	m := metrics.New()

	// Without a channel db path the relay runs directory-less and accepts any
	// room id. Useful for dev; warned about above.
	var store *channels.Store
	var directory signaling.ChannelDirectory
	if cfg.ChannelDBPath != "" {
		store, err = channels.Open(cfg.ChannelDBPath)
		if err != nil {
			return fmt.Errorf("opening channel directory: %w", err)
		}
		defer store.Close()
		directory = store
	}

	var turnGen *turnrest.Generator
	if cfg.TURNRESTSecret != "" {
		turnGen, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNRESTSecret,
			TTL:            cfg.TURNRESTTTL,
			UsernamePrefix: cfg.TURNRESTUsernamePrefix,
		})
		if err != nil {
			return fmt.Errorf("configuring turn rest credentials: %w", err)
		}
	}

	sig := signaling.NewServer(signaling.Config{
		Log:               logger,
		Metrics:           m,
		Channels:          directory,
		Registry:          signaling.NewRegistry(cfg.MaxRoomParticipants),
		MaxMessageBytes:   cfg.MaxSignalMessageBytes,
		MessagesPerSecond: cfg.SignalMessagesPerSecond,
	})

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, httpserver.Deps{
		Metrics:       m,
		Channels:      store,
		Occupancy:     sig.Occupancy,
		TURNGenerator: turnGen,
		Signal:        sig,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server exited after shutdown: %w", err)
	}
	return nil
}
