// Command synpatico issues negotiated GET requests against one or more URLs
// and prints a savings report. It doubles as a smoke test against a
// cooperating server: the first request to an endpoint learns its structure,
// repeat requests receive compact packets.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	synpatico "github.com/synpatico/client"
	"github.com/synpatico/client/internal/config"
	"github.com/synpatico/client/internal/logging"
	"github.com/synpatico/client/pkg/instrument"
)

func main() {
	var (
		configPath string
		repeat     int
		showBody   bool
	)
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.IntVar(&repeat, "repeat", 2, "times to request each URL (first learns, later ones optimize)")
	flag.BoolVar(&showBody, "body", false, "print decoded response bodies")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] URL [URL...]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// .env is optional; real config comes from the YAML file and environment.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cleanup, err := logging.Setup(logging.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	client := synpatico.New(synpatico.Config{
		ShouldOptimize: cfg.ShouldOptimize(),
		Instrument: instrument.Options{
			MaxDepth:     cfg.Instrument.MaxDepth,
			TrackArrays:  cfg.Instrument.TrackArrayAccess,
			ExcludePaths: cfg.Instrument.ExcludePaths,
		},
		Telemetry: synpatico.TelemetryOptions{
			Enabled:       cfg.Telemetry.Enabled,
			Endpoint:      cfg.Telemetry.Endpoint,
			BatchInterval: time.Duration(cfg.Telemetry.BatchIntervalMs) * time.Millisecond,
			MaxBatchSize:  cfg.Telemetry.MaxBatchSize,
			SampleRate:    cfg.Telemetry.SampleRate,
			PathsMode:     cfg.Telemetry.PathsMode,
		},
		Hooks: synpatico.Hooks{
			OnLearnedStructure: func(structureID, endpoint string) {
				log.Info().
					Str("structure_id", structureID).
					Str("endpoint", endpoint).
					Msg("Learned structure")
			},
			OnPacketDecoded: func(structureID, url string) {
				log.Info().
					Str("structure_id", structureID).
					Str("url", url).
					Msg("Decoded optimized packet")
			},
			OnError: func(phase synpatico.Phase, err error) {
				log.Warn().
					Str("phase", string(phase)).
					Err(err).
					Msg("Recovered protocol error")
			},
		},
	})
	defer client.Close()

	ctx := context.Background()
	failed := false

	for _, url := range flag.Args() {
		for i := 0; i < repeat; i++ {
			res, err := client.Get(ctx, url)
			if err != nil {
				log.Error().Str("url", url).Err(err).Msg("Request failed")
				failed = true
				break
			}
			report(res, showBody)
		}
	}

	client.Flush(ctx)
	fmt.Println()
	fmt.Print(client.SavingsReport())

	if failed {
		os.Exit(1)
	}
}

func report(res *synpatico.Response, showBody bool) {
	mode := "passthrough"
	switch {
	case res.Optimized:
		mode = "optimized"
	case res.Learned:
		mode = "learned"
	}
	log.Info().
		Str("url", res.Request.URL.String()).
		Int("status", res.StatusCode).
		Str("mode", mode).
		Str("structure_id", res.StructureID).
		Int("bytes", len(res.Body)).
		Msg("Request complete")

	if showBody && res.Body != nil {
		fmt.Printf("%s\n", res.Body)
	}
}
