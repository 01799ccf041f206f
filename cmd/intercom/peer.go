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
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sw4796/makerton-esp32-aiagent/internal/health"
	"github.com/sw4796/makerton-esp32-aiagent/internal/observe"
	"github.com/sw4796/makerton-esp32-aiagent/internal/peer"
)

type peerFlags struct {
	listen    string
	echo      bool
	recordDir string
}

func newPeerCmd(root *rootFlags) *cobra.Command {
	flags := &peerFlags{}
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Run the peer server that collects takes from endpoints",
		Long: "Serves /device for endpoints and /monitor for observers. Each take\n" +
			"between START_RECORD and STOP_RECORD is logged, optionally saved as a\n" +
			"WAV file and optionally echoed back to the device.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPeer(cmd, root, flags)
		},
	}
	cmd.Flags().StringVar(&flags.listen, "listen", "", "override peer.listen_addr")
	cmd.Flags().BoolVar(&flags.echo, "echo", false, "echo each take back to the device")
	cmd.Flags().StringVar(&flags.recordDir, "record-dir", "", "save each take as a WAV file in this directory")
	return cmd
}

func runPeer(cmd *cobra.Command, root *rootFlags, flags *peerFlags) error {
	cfg, _, err := loadConfig(cmd, root)
	if err != nil {
		return err
	}
	if flags.listen != "" {
		cfg.Peer.ListenAddr = flags.listen
	}
	if cmd.Flags().Changed("echo") {
		cfg.Peer.Echo = flags.echo
	}
	if flags.recordDir != "" {
		cfg.Peer.RecordDir = flags.recordDir
	}
	newLogger(cfg, root.logLevel)
	if dir := cfg.Peer.RecordDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create record dir: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		Role:           observe.RolePeer,
		Instance:       cfg.Peer.ListenAddr,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	srv := peer.New(peer.Config{
		Echo:           cfg.Peer.Echo,
		MaxTakeSamples: cfg.Peer.MaxTakeSamples,
		RecordDir:      cfg.Peer.RecordDir,
		SampleRate:     cfg.Audio.SampleRate,
		Metrics:        tel.Metrics(),
	})

	mux := http.NewServeMux()
	srv.Register(mux)
	health.New().WithStatus(func() map[string]any {
		return map[string]any{"devices": srv.Devices(), "monitors": srv.Monitors()}
	}).Register(mux)
	mux.Handle("GET /metrics", tel.Handler())

	ln, err := net.Listen("tcp", cfg.Peer.ListenAddr)
	if err != nil {
		return fmt.Errorf("peer listen %q: %w", cfg.Peer.ListenAddr, err)
	}
	httpSrv := &http.Server{
		Handler:           observe.Middleware(tel.Metrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("peer listening", "addr", ln.Addr().String(), "echo", cfg.Peer.Echo, "record_dir", cfg.Peer.RecordDir)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case take := <-srv.Takes():
				slog.Info("take received",
					"seq", take.Seq,
					"samples", len(take.Samples),
					"duration", take.Duration,
					"truncated", take.Truncated,
					"path", take.Path,
				)
			}
		}
	})
	return g.Wait()
}
