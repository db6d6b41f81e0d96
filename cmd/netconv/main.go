package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netconverge/netconverge/cmd/netconv/commands"
	"github.com/netconverge/netconverge/pkg/telemetry"
)

// Set with -ldflags "-X main.Version=..." at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// console logging until the configuration file installs its own logger
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(telemetry.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL"))))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// a second signal gets the default behaviour and kills the process
			stop()
			log.Warn().Msg("Interrupted, stopping after the operation in flight")
		case <-finished:
		}
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	close(finished)
	stop()

	if err != nil {
		log.Error().Err(err).Msg("netconv failed")
		os.Exit(commands.ExitCode(err))
	}
}
