// Package eventlog buffers dispatch attempts in memory and writes them to the
// attempt log in batches, so recording an attempt never waits on the database.
package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Raymond9734/campaign-scheduler/internal/models"
	"github.com/Raymond9734/campaign-scheduler/internal/repository"
)

// Config controls batching
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	RetryDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// Sink is an unbounded, ordered buffer in front of AttemptRepository.
// Append never blocks and never drops; failed writes stay buffered and are retried.
type Sink struct {
	repo   repository.AttemptRepository
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending []*models.DispatchAttempt

	// writeMu serializes writers so batches land in append order
	writeMu sync.Mutex
	wake    chan struct{}
}

// New creates a sink. Call Run to start background flushing.
func New(repo repository.AttemptRepository, cfg Config, logger *slog.Logger) *Sink {
	return &Sink{
		repo:   repo,
		cfg:    cfg.withDefaults(),
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Append buffers one attempt
func (s *Sink) Append(attempt *models.DispatchAttempt) {
	s.mu.Lock()
	s.pending = append(s.pending, attempt)
	full := len(s.pending) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered attempts
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush writes everything buffered so far. On error the unwritten attempts
// are put back at the head of the buffer.
func (s *Sink) Flush(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	for len(batch) > 0 {
		n := min(len(batch), s.cfg.BatchSize)
		if err := s.repo.AppendBatch(ctx, batch[:n]); err != nil {
			s.requeue(batch)
			return err
		}
		batch = batch[n:]
	}
	return nil
}

func (s *Sink) requeue(batch []*models.DispatchAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(batch, s.pending...)
}

// Run flushes on every interval or full batch until ctx is cancelled, then
// makes a final flush attempt.
func (s *Sink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.Flush(flushCtx); err != nil {
				s.logger.Error("final attempt log flush failed",
					slog.Int("pending", s.Pending()),
					slog.String("error", err.Error()),
				)
				return err
			}
			return nil
		case <-ticker.C:
		case <-s.wake:
		}

		if err := s.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Warn("attempt log flush failed, will retry",
				slog.Int("pending", s.Pending()),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.RetryDelay):
			}
		}
	}
}
