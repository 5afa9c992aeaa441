// Command scanner runs a check-in station: it scans student QR codes for the
// selected event and records attendance through the attendance service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"schoolattend/internal/auth"
	"schoolattend/internal/config"
	"schoolattend/internal/decoder"
	"schoolattend/internal/kiosk"
	"schoolattend/internal/logging"
	"schoolattend/internal/metrics"
	"schoolattend/internal/scanclient"
	"schoolattend/internal/session"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env)
	defer func() { _ = log.Sync() }()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := run(cfg, log); err != nil {
		log.Fatal("scanner failed", zap.Error(err))
	}
}

func run(cfg config.App, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := scanclient.New(cfg.ServiceURL, cfg.ServiceTimeout)

	var (
		dec  decoder.Decoder
		feed *decoder.FeedCamera
	)
	switch cfg.ScannerInput {
	case "stdin":
		lines := decoder.NewLineDecoder(os.Stdin, log)
		go func() {
			if err := lines.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("stdin reader stopped", zap.Error(err))
			}
		}()
		dec = lines
	case "camera":
		feed = decoder.NewFeedCamera(cfg.ScannerTorch)
		dec = decoder.NewCameraDecoder(feed, log)
	default:
		return errors.New("SCANNER_INPUT must be camera or stdin, got " + cfg.ScannerInput)
	}

	ctl := session.New(client, dec, session.Options{
		ScannedBy:     cfg.ScannerTag,
		AutoReset:     cfg.AutoReset,
		RosterPreview: cfg.RosterPreview,
	}, log)
	defer func() { _ = ctl.Close() }()

	station := auth.FromToken(cfg.ScannerToken)
	if station.Anonymous() {
		log.Warn("SCANNER_TOKEN not set, requests must carry their own bearer token")
	}
	refresh := func() {
		if station.Anonymous() {
			return
		}
		if err := ctl.Load(ctx, station); err != nil {
			log.Warn("loading active events failed", zap.Error(err))
		}
	}
	refresh()

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.EventsRefresh, refresh); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics", "/session/frame"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:          24 * time.Hour,
	}))
	r.Use(metrics.GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		serviceErr := client.Health(c.Request.Context())
		if serviceErr != nil {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"attendance_service": serviceErr == nil, "state": ctl.Snapshot().State})
	})

	kiosk.New(ctl, feed, log).Register(r.Group("", auth.Forward(cfg.ScannerToken)))

	// No write timeout: /session/ws connections are long lived.
	srv := &http.Server{
		Addr:              ":" + cfg.ScannerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("station listening", zap.String("addr", srv.Addr), zap.String("input", cfg.ScannerInput))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Closing the controller first ends open WebSocket streams.
	_ = ctl.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("forced shutdown", zap.Error(err))
	}
	return nil
}
