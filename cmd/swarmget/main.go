package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jpillora/opts"
	"github.com/schollz/progressbar/v3"

	"github.com/WendelHime/swarmget/internal/config"
	"github.com/WendelHime/swarmget/internal/decoder"
	"github.com/WendelHime/swarmget/internal/logic"
)

var version = "0.0.0-src" // set with ldflags

type cli struct {
	Torrent     string `opts:"mode=arg" help:"path to the .torrent file"`
	Output      string `help:"output directory, overrides output_dir" short:"o"`
	Config      string `help:"optional YAML configuration file" short:"c"`
	Log         string `help:"log file" short:"l"`
	PrintConfig bool   `help:"print the effective configuration and exit"`
}

func main() {
	c := cli{Log: "swarmget.log"}
	opts.New(&c).Name("swarmget").Version(version).Parse()

	if err := run(c); err != nil {
		fmt.Fprintln(os.Stderr, "swarmget:", err)
		os.Exit(1)
	}
}

func run(c cli) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if c.Output != "" {
		cfg.OutputDir = c.Output
	}
	if c.PrintConfig {
		return cfg.WriteYAML(os.Stdout)
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logOut, err := os.Create(c.Log)
	if err != nil {
		return err
	}
	defer logOut.Close()
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))

	f, err := os.Open(c.Torrent)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := decoder.NewDecoder(logger)
	meta, err := dec.Decode(f)
	if err != nil {
		logger.Error("failed to decode torrent", slog.Any("error", err))
		return err
	}

	bar := progressbar.DefaultBytes(meta.Info.Length, "downloading "+meta.Info.Name)
	downloader := logic.NewDownloader(dec, logger, cfg, logic.WithProgress(func(n int, _ float64) {
		bar.Add(n)
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	outputPath := filepath.Join(cfg.OutputDir, logic.OutputName(meta.Info.Name))
	dl, err := downloader.StartDownload(ctx, meta, outputPath)
	if err != nil {
		return err
	}
	if err := dl.Wait(); err != nil {
		logger.Error("failed to download torrent", slog.Any("error", err))
		return err
	}
	bar.Finish()

	fmt.Printf("\nsaved %s (%s) from %d peers in %s\n",
		outputPath,
		humanize.IBytes(uint64(meta.Info.Length)),
		dl.Peers(),
		time.Since(start).Round(time.Millisecond),
	)
	return nil
}
