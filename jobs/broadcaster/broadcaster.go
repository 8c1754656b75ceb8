// Package broadcaster moves trades and closed orders from the engine to
// external storage. The Archiver batches them into the exit WAL, and the
// Broadcaster publishes exit WAL rows and marks them acknowledged. Delivery
// is at least once; consumers deduplicate on the event id.
package broadcaster

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"matchcore/infra/metrics"
	exitwal "matchcore/infra/wal/exit"
)

type Config struct {
	Interval  time.Duration
	BatchSize int
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

type Broadcaster struct {
	outbox *exitwal.ExitWAL
	pub    Publisher
	cfg    Config
	log    zerolog.Logger
}

func New(outbox *exitwal.ExitWAL, pub Publisher, cfg Config) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 512
	}
	return &Broadcaster{
		outbox: outbox,
		pub:    pub,
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "broadcaster").Logger(),
	}
}

// Start publishes on every tick until ctx is done.
func (b *Broadcaster) Start(ctx context.Context) {
	b.log.Info().Dur("interval", b.cfg.Interval).Msg("broadcaster started")

	go func() {
		ticker := time.NewTicker(b.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := b.PublishOnce(ctx); err != nil && ctx.Err() == nil {
					b.log.Warn().Err(err).Msg("publish pass failed")
				}
			}
		}
	}()
}

type pending struct {
	key []byte
	rec exitwal.ExitRecord
}

// PublishOnce sends rows left SENT by a crash first, then failed rows, then
// new ones, each in sequence order. It stops at the first broker error so a
// later row is never acknowledged ahead of an earlier one in the same pass.
func (b *Broadcaster) PublishOnce(ctx context.Context) (int, error) {
	var rows []pending
	for _, st := range []exitwal.ExitState{exitwal.StateSent, exitwal.StateFailed, exitwal.StateNew} {
		err := b.outbox.ScanByState(st, b.cfg.BatchSize-len(rows), func(key []byte, rec exitwal.ExitRecord) error {
			rows = append(rows, pending{key: key, rec: rec})
			return nil
		})
		if err != nil {
			return 0, err
		}
		if len(rows) >= b.cfg.BatchSize {
			break
		}
	}

	sent := 0
	for _, p := range rows {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		retries := p.rec.Retries
		if err := b.outbox.UpdateState(p.key, exitwal.StateSent, retries); err != nil {
			return sent, err
		}

		id := p.rec.ID.String()
		if err := b.pub.Publish(ctx, []byte(id), p.rec.Payload); err != nil {
			b.cfg.Metrics.Published(false)
			if uerr := b.outbox.UpdateState(p.key, exitwal.StateFailed, retries+1); uerr != nil {
				return sent, uerr
			}
			b.log.Warn().Err(err).Str("event", id).Uint64("seq", p.rec.Seq).Uint32("retries", retries+1).Msg("publish failed")
			return sent, err
		}

		if err := b.outbox.UpdateState(p.key, exitwal.StateAcked, retries); err != nil {
			return sent, err
		}
		b.cfg.Metrics.Published(true)
		sent++
	}
	if sent > 0 {
		b.log.Debug().Int("events", sent).Msg("published")
	}
	return sent, nil
}

func (b *Broadcaster) Close() error {
	return b.pub.Close()
}
