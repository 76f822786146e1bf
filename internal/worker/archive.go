package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/codebattle-sync/internal/config"
	"github.com/codebattle-sync/internal/domain"
	"github.com/codebattle-sync/internal/store"
	"github.com/jonboulle/clockwork"
)

// Archiver persists drained audit records and session snapshots
type Archiver interface {
	ArchiveBatch(ctx context.Context, records []domain.AuditRecord) (int, error)
	ArchiveSession(ctx context.Context, s domain.Session) error
}

// SessionReader reads live session documents
type SessionReader interface {
	Get(ctx context.Context, id string) (domain.Session, error)
}

// ArchiveWorker periodically moves the audit records buffered next to the session store
// into the archive, along with a snapshot of each session they touch.
type ArchiveWorker struct {
	source   store.AuditDrainer
	sessions SessionReader
	archive  Archiver
	config   *config.ArchiveConfig
	clock    clockwork.Clock
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewArchiveWorker creates a new archive worker
func NewArchiveWorker(
	source store.AuditDrainer,
	sessions SessionReader,
	archive Archiver,
	cfg *config.ArchiveConfig,
	clock clockwork.Clock,
	logger *slog.Logger,
) *ArchiveWorker {
	return &ArchiveWorker{
		source:   source,
		sessions: sessions,
		archive:  archive,
		config:   cfg,
		clock:    clock,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background archive process
func (w *ArchiveWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("archive worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background archive process and runs a final drain
func (w *ArchiveWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.RunOnce(ctx)
	w.logger.Info("archive worker stopped")
	return nil
}

func (w *ArchiveWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := w.clock.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.Chan():
			w.RunOnce(ctx)
		}
	}
}

// RunOnce drains the audit buffer until it is empty or a write fails
func (w *ArchiveWorker) RunOnce(ctx context.Context) {
	startTime := w.clock.Now()
	batchSize := w.config.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	archived := 0
	touched := make(map[string]bool)
	for {
		records, err := w.source.DrainAudit(ctx, batchSize)
		if err != nil {
			w.logger.Error("failed to drain audit records", "error", err)
			break
		}
		if len(records) == 0 {
			break
		}

		n, err := w.archive.ArchiveBatch(ctx, records)
		archived += n
		for _, rec := range records {
			touched[rec.SessionID] = true
		}
		if err != nil {
			// drained records are gone from the buffer; history is best-effort
			w.logger.Error("failed to archive audit batch", "records", len(records), "error", err)
			break
		}
		if len(records) < batchSize {
			break
		}
	}

	for sessionID := range touched {
		w.snapshot(ctx, sessionID)
	}

	if archived > 0 || len(touched) > 0 {
		w.logger.Info("archive cycle completed",
			"duration", w.clock.Since(startTime),
			"records", archived,
			"sessions", len(touched),
		)
	}
}

func (w *ArchiveWorker) snapshot(ctx context.Context, sessionID string) {
	s, err := w.sessions.Get(ctx, sessionID)
	if err != nil {
		if !domain.IsNotFoundError(err) {
			w.logger.Warn("failed to read session for archive", "session_id", sessionID, "error", err)
		}
		return
	}
	if err := w.archive.ArchiveSession(ctx, s); err != nil {
		w.logger.Warn("failed to archive session", "session_id", sessionID, "error", err)
	}
}

// IsRunning returns whether the worker is currently running
func (w *ArchiveWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
