package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jpillora/opts"

	"github.com/WendelHime/swarmget/internal/config"
	"github.com/WendelHime/swarmget/internal/decoder"
	"github.com/WendelHime/swarmget/internal/logic"
	"github.com/WendelHime/swarmget/internal/upload"
)

var version = "0.0.0-src" // set with ldflags

type server struct {
	Config string `help:"optional YAML configuration file" short:"c"`
	Listen string `help:"listening address, overrides listen"`
	Log    bool   `help:"enable request logging"`
}

func main() {
	s := server{}
	opts.New(&s).Name("swarmd").Version(version).Parse()

	if err := s.run(); err != nil {
		slog.Error("swarmd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func (s server) run() error {
	cfg, err := config.Load(s.Config)
	if err != nil {
		return err
	}
	if s.Listen != "" {
		cfg.Listen = s.Listen
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dec := decoder.NewDecoder(logger)
	h := upload.NewHandler(dec, logic.NewDownloader(dec, logger, cfg), upload.Options{
		UploadDir:   cfg.UploadDir,
		DownloadDir: cfg.OutputDir,
		Autostart:   cfg.Autostart,
		LogRequests: s.Log,
	}, logger)
	defer h.Close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", slog.String("addr", cfg.Listen), slog.Bool("autostart", cfg.Autostart))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
