package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/rtprelay/internal/banner"
	"github.com/sebas/rtprelay/internal/logger"
	"github.com/sebas/rtprelay/internal/rtprelay/config"
	"github.com/sebas/rtprelay/internal/rtprelay/media"
	"github.com/sebas/rtprelay/internal/rtprelay/server"
	"github.com/sebas/rtprelay/internal/rtprelay/session"
	"github.com/sebas/rtprelay/internal/rtprelay/transcode"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Initialize logger
	outputs := []io.Writer{os.Stdout}
	if cfg.LogFile != "" {
		fileOut := logger.NewFileWriter(cfg.LogFile)
		defer fileOut.Close()
		outputs = append(outputs, fileOut)
	}
	logger.InitLogger(outputs...)
	logger.SetLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	banner.Print("RTP Relay", []banner.ConfigLine{
		{Label: "Capture", Value: cfg.Host},
		{Label: "Swap16", Value: strconv.FormatBool(cfg.Swap16)},
		{Label: "Output", Value: valueOr(cfg.Output, "(not recording)")},
		{Label: "Format", Value: fmt.Sprintf("%d Hz, %d ch, %d bit", cfg.Format.SampleRate, cfg.Format.NumChannels, cfg.Format.BitsPerSample)},
		{Label: "Playback", Value: valueOr(cfg.ConvertInput, valueOr(cfg.PlayFile, "(none)"))},
		{Label: "Destination", Value: cfg.Destination()},
		{Label: "Packets", Value: fmt.Sprintf("%d bytes every %s, pt %d", cfg.PacketSize, cfg.PacketInterval, cfg.PayloadType)},
		{Label: "Session ports", Value: fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax)},
		{Label: "Health", Value: valueOr(cfg.HealthAddr, "(disabled)")},
		{Label: "Metrics", Value: valueOr(cfg.MetricsAddr, "(disabled)")},
		{Label: "Control API", Value: valueOr(cfg.APIAddr, "(disabled)")},
		{Label: "Audio path", Value: cfg.AudioPath},
		{Label: "Log level", Value: logger.GetLevel()},
	})

	// Wait for signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("RTP Relay failed", "error", err)
		os.Exit(1)
	}
	slog.Info("RTP Relay stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	bindHost, _, _ := net.SplitHostPort(cfg.Host)

	srv, err := server.NewServer(&server.Config{
		HealthAddr:  cfg.HealthAddr,
		MetricsAddr: cfg.MetricsAddr,
		APIAddr:     cfg.APIAddr,
		AudioPath:   cfg.AudioPath,
		RTPPortMin:  cfg.RTPPortMin,
		RTPPortMax:  cfg.RTPPortMax,
		Session: session.Config{
			BindAddr:       bindHost,
			RecordingsPath: cfg.RecordingsPath,
			Swap16:         cfg.Swap16,
			Format:         cfg.Format,
			PayloadType:    uint8(cfg.PayloadType),
			PacketSize:     cfg.PacketSize,
			PacketInterval: cfg.PacketInterval,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	capture, err := media.NewCaptureServer(media.CaptureConfig{
		Addr:       cfg.Host,
		Swap16:     cfg.Swap16,
		OutputPath: cfg.Output,
		Format:     cfg.Format,
		Metrics:    srv.Metrics(),
		Observer: media.CaptureObserverFuncs{
			Data: func(payload []byte, from net.Addr) {
				slog.Debug("[Capture] Received RTP data", "size", len(payload), "from", from.String())
			},
		},
	})
	if err != nil {
		srv.Close()
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(ctx)
	})

	g.Go(func() error {
		if err := capture.Serve(ctx); !errors.Is(err, media.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.PlayFile != "" || cfg.ConvertInput != "" {
		g.Go(func() error {
			// a failed playback leaves capture running
			if err := playback(ctx, cfg, srv.Metrics()); err != nil {
				slog.Error("[Playback] Failed", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// playback optionally converts the input, then streams it once. Stopping on
// shutdown is not an error.
func playback(ctx context.Context, cfg *config.Config, metrics *media.Metrics) error {
	file := cfg.PlayFile
	if cfg.ConvertInput != "" {
		base := strings.TrimSuffix(filepath.Base(cfg.ConvertInput), filepath.Ext(cfg.ConvertInput))
		if err := os.MkdirAll(cfg.RecordingsPath, 0o755); err != nil {
			return &media.FileIOError{Path: cfg.RecordingsPath, Op: "create", Cause: err}
		}

		converter := transcode.NewAuto(cfg.FFmpegPath, cfg.Format)
		converted, err := converter.ConvertToWav(ctx, cfg.ConvertInput, filepath.Join(cfg.RecordingsPath, base+"-converted"))
		if err != nil {
			return err
		}
		file = converted
	}

	player, err := media.NewPlayer(media.PlayerConfig{
		Dest:        cfg.Destination(),
		PayloadType: uint8(cfg.PayloadType),
		Format:      cfg.Format,
		Interval:    cfg.PacketInterval,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}

	err = player.PlayFile(ctx, file, cfg.PacketSize)
	if errors.Is(err, media.ErrPlaybackStopped) {
		return nil
	}
	return err
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
