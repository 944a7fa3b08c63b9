package sync

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/bridgecal/bridgecal/internal/adapter"
)

// Provider yields the options and sleep interval for the next tick. The
// daemon consults it before every tick, so configuration picked up between
// ticks applies on the following one.
type Provider func() (Options, time.Duration)

// Driver runs the engine once or on a polling loop.
type Driver struct {
	engine *Engine
	log    zerolog.Logger
}

func NewDriver(engine *Engine, log zerolog.Logger) *Driver {
	return &Driver{
		engine: engine,
		log:    log.With().Str("component", "driver").Logger(),
	}
}

// RunOnce performs a single tick.
func (d *Driver) RunOnce(ctx context.Context, opts Options) (Summary, error) {
	return d.engine.Tick(ctx, opts)
}

// RunLoop ticks immediately, then sleeps the provided interval between tick
// completions until ctx is cancelled. Failed ticks are logged and the loop
// carries on; credential failures stop it. Cancellation returns nil.
func (d *Driver) RunLoop(ctx context.Context, provider Provider) error {
	for {
		opts, interval := provider()

		if _, err := d.engine.Tick(ctx, opts); err != nil {
			if adapter.IsAuth(err) {
				d.log.Error().Err(err).Msg("credentials rejected, stopping")
				return err
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			d.log.Error().Err(err).Msg("tick failed")
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
