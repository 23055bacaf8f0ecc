package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rhythmchamber/internal/tabs"
)

// hubCmd runs the loopback broadcast hub that stands in for the browser's
// BroadcastChannel: every app instance ("tab") connects to it over a
// websocket and frames fan out to all other instances.
var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the cross-instance broadcast hub",
	Long: `Run the websocket hub that relays coordination frames between Rhythm
Chamber instances. Instances connect at ws://<addr>/channel/<tab_id>; the hub
never echoes a frame back to its sender.`,
	RunE: runHub,
}

func runHub(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	hub := tabs.NewHub()
	mux := http.NewServeMux()
	mux.Handle("/channel/", hub.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              cfg.Tabs.HubAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hub listening", zap.String("addr", cfg.Tabs.HubAddr))
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()),
			zap.Int("connected_tabs", len(hub.ConnectedTabs())))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}
