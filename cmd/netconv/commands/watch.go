package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/netconverge/netconverge/pkg/config"
	"github.com/netconverge/netconverge/pkg/engine"
	"github.com/netconverge/netconverge/pkg/policy"
)

func newWatchCommand() *cobra.Command {
	var (
		interval time.Duration
		debounce time.Duration
		owner    string
	)

	cmd := &cobra.Command{
		Use:   "watch <document>",
		Short: "Keep the system converged while the document changes",
		Long: `Converge once, then converge again whenever the document is saved and,
with --interval, periodically to correct drift.

While running, this command also:
  - Serves Prometheus metrics when telemetry.metrics is enabled
  - Reloads policy files from policy.paths when they change

A document that fails to load or a converge that fails is logged and the
watch continues. Interrupt to stop.`,
		Example: `  # Re-apply on every save
  netconv watch office.yaml

  # Also correct drift every five minutes
  netconv watch office.yaml --interval 5m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.openStore(cmd.Context()); err != nil {
				return err
			}
			if err := a.openBackend(cmd.Context()); err != nil {
				return err
			}
			if owner == "" {
				owner = defaultOwner()
			}

			w := newWatchLoop(path, owner, a.cfg.LockTTL, a.loadDocument, a.orchestrator.Converge)

			g, ctx := errgroup.WithContext(cmd.Context())

			g.Go(func() error {
				return a.telemetry.Metrics.Serve(ctx)
			})

			g.Go(func() error {
				return config.NewWatcher(path, debounce).RunOnStart().Watch(ctx, w.run)
			})

			if interval > 0 {
				g.Go(func() error {
					ticker := time.NewTicker(interval)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return nil
						case <-ticker.C:
							w.run(ctx)
						}
					}
				})
			}

			if a.guard != nil && len(a.cfg.Policy.Paths) > 0 {
				g.Go(func() error {
					return policy.NewLoader(a.telemetry.Logger.Zerolog()).Watch(ctx, a.cfg.Policy.Paths, func(policies []policy.Policy) error {
						return a.guard.ReplaceUserPolicies(ctx, policies)
					})
				})
			}

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "also converge periodically (0 disables)")
	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce, "quiet period after a save before converging")
	cmd.Flags().StringVar(&owner, "owner", "", "lock owner recorded for each apply (default user@host:pid)")

	return cmd
}

// watchLoop converges one document on demand. Calls are serialized so a
// periodic run and a save never overlap.
type watchLoop struct {
	path     string
	owner    string
	ttl      time.Duration
	load     func(ctx context.Context, path string) (*engine.DesiredState, error)
	converge func(ctx context.Context, desired *engine.DesiredState, opts engine.ConvergeOptions) (*engine.ApplyReport, error)

	// mu is a one-slot semaphore so waiting callers can give up on ctx
	mu chan struct{}
}

func newWatchLoop(
	path, owner string,
	ttl time.Duration,
	load func(ctx context.Context, path string) (*engine.DesiredState, error),
	converge func(ctx context.Context, desired *engine.DesiredState, opts engine.ConvergeOptions) (*engine.ApplyReport, error),
) *watchLoop {
	return &watchLoop{
		path:     path,
		owner:    owner,
		ttl:      ttl,
		load:     load,
		converge: converge,
		mu:       make(chan struct{}, 1),
	}
}

func (w *watchLoop) run(ctx context.Context) {
	select {
	case w.mu <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-w.mu }()

	logger := log.With().Str("document", w.path).Logger()

	desired, err := w.load(ctx, w.path)
	if err != nil {
		logger.Error().Err(err).Msg("Desired state rejected, keeping current configuration")
		return
	}

	report, err := w.converge(ctx, desired, engine.ConvergeOptions{Owner: w.owner, LockTTL: w.ttl})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error().Err(err).Str("location", desired.Location()).Msg("Converge failed")
		return
	}
	logger.Info().
		Str("location", report.Location).
		Str("run_id", report.RunID).
		Str("status", string(report.Status)).
		Int("applied", report.Count(engine.OutcomeSuccess)).
		Msg("Converged")
}
