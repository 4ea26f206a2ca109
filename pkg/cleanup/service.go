// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/pm-runner/pmrunner/pkg/config"
	"github.com/pm-runner/pmrunner/pkg/evidence"
	"github.com/pm-runner/pmrunner/pkg/queuestore"
)

// Service periodically enforces retention policy:
//   - Deletes terminal QueueStore tasks (COMPLETE, ERROR, CANCELLED,
//     AWAITING_RESPONSE) whose updated_at is older than TaskRetentionDays.
//   - Prunes finalized evidence session directories past the same horizon.
//
// Non-terminal tasks and unfinalized sessions are never touched. All
// operations are idempotent and safe to run repeatedly against the same
// namespace and state directory.
type Service struct {
	config    *config.RetentionConfig
	store     *queuestore.QueueStore
	evidence  *evidence.Store
	namespace string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service scoped to one namespace.
func NewService(cfg *config.RetentionConfig, store *queuestore.QueueStore, ev *evidence.Store, namespace string) *Service {
	return &Service{
		config:    cfg,
		store:     store,
		evidence:  ev,
		namespace: namespace,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"namespace", s.namespace,
		"task_retention_days", s.config.TaskRetentionDays,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.purgeOldTasks(ctx)
	s.pruneOldEvidence()
}

func (s *Service) purgeOldTasks(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.config.TaskRetentionDays)
	count, err := s.store.PurgeTerminalBefore(ctx, s.namespace, cutoff)
	if err != nil {
		slog.Error("Retention: purge terminal tasks failed", "namespace", s.namespace, "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged terminal tasks", "namespace", s.namespace, "count", count)
	}
}

func (s *Service) pruneOldEvidence() {
	if s.evidence == nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -s.config.TaskRetentionDays)
	count, err := s.evidence.PruneSessionsBefore(cutoff)
	if err != nil {
		slog.Error("Retention: prune evidence sessions failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned evidence sessions", "count", count)
	}
}
