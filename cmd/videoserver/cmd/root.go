// Package cmd implements the videoserver CLI.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	videoconfig "github.com/daydream/scope-server/internal/config"
	"github.com/daydream/scope-server/internal/httpapi"
	"github.com/daydream/scope-server/internal/pipeline"
	"github.com/daydream/scope-server/internal/pipeline/builtin"
	"github.com/daydream/scope-server/internal/session"
)

var (
	cfgFile string
	addr    string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "videoserver",
	Short: "Real-time interactive video generation server",
	Long: `videoserver accepts a WebRTC video stream from a browser, runs it
through a loaded generative pipeline, and streams the synthesized result
back over the same peer connection, with a data channel for live
parameter updates.`,
	RunE: runServe,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./scope-server.yaml)")
	rootCmd.Flags().StringVar(&addr, "addr", ":8000", "listen address")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	mustBindPFlag("addr", rootCmd.Flags().Lookup("addr"))
	mustBindPFlag("verbose", rootCmd.Flags().Lookup("verbose"))
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := videoconfig.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	pipelineMgr := pipeline.NewManager(builtin.DefaultRegistry(), nil)

	iceServers := buildICEServers(cfg)
	sessionMgr := session.NewManager(pipelineMgr, iceServers)

	server := httpapi.New(pipelineMgr, sessionMgr)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Pipeline.Prewarm && cfg.Pipeline.ID != "" {
		log.Info().Str("pipeline_id", cfg.Pipeline.ID).Msg("pre-warming default pipeline")
		pipelineMgr.PrewarmAsync(ctx, cfg.Pipeline.ID, cfg.Pipeline.LoadParams)
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("starting http server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down http server")
	}

	log.Info().Msg("stopping session manager")
	sessionMgr.Stop()

	log.Info().Msg("unloading pipeline")
	pipelineMgr.Unload()

	return nil
}

func buildICEServers(cfg *videoconfig.Config) session.StaticICEServers {
	if len(cfg.ICE.Servers) == 0 {
		return session.DefaultICEServers()
	}
	servers := make(session.StaticICEServers, 0, len(cfg.ICE.Servers))
	for _, url := range cfg.ICE.Servers {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	if len(servers) == 0 {
		return session.DefaultICEServers()
	}
	return servers
}
