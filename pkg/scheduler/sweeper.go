package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/koprogo/greengrid/pkg/ledger"
	"github.com/koprogo/greengrid/pkg/logging"
	"github.com/koprogo/greengrid/pkg/registry"
)

// SweeperConfig holds periodic sweep settings
type SweeperConfig struct {
	Interval         time.Duration // how often the sweep runs
	AssignPending    bool          // hand pending tasks to nodes on every pass
	ReconcileCredits bool          // issue credits missing for appended proofs
}

// DefaultSweeperConfig returns the grid defaults
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:         time.Minute,
		AssignPending:    true,
		ReconcileCredits: true,
	}
}

// SweepReport summarizes one sweep pass
type SweepReport struct {
	MarkedOffline int              `json:"marked_offline"`
	Expired       int              `json:"expired"`
	Rebalance     *RebalanceReport `json:"rebalance,omitempty"`
	Assigned      int              `json:"assigned"`
	Reconciled    int              `json:"reconciled"`
	Errors        int              `json:"errors"`
}

// Sweeper runs the periodic housekeeping passes: stale nodes, overdue
// tasks, rebalancing, pending assignment and credit reconciliation
type Sweeper struct {
	registry *registry.Registry
	tasks    *TaskManager
	dist     *Distributor
	credits  *ledger.CreditLedger
	config   SweeperConfig
	logger   *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper. credits may be nil to skip reconciliation.
func NewSweeper(reg *registry.Registry, tasks *TaskManager, dist *Distributor, credits *ledger.CreditLedger, config SweeperConfig, logger *logging.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Sweeper{
		registry: reg,
		tasks:    tasks,
		dist:     dist,
		credits:  credits,
		config:   config,
		logger:   logger.WithField("component", "sweeper"),
	}
}

// Start runs the sweep loop in the background until ctx is cancelled or
// Stop is called
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop cancels the loop and waits for the pass in progress to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.logger.Info("Sweeper started", logging.Fields{"interval": s.config.Interval.String()})
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return
		}
	}
}

// Sweep performs one pass. Each step logs and continues past failures.
func (s *Sweeper) Sweep(ctx context.Context) SweepReport {
	var report SweepReport

	marked, err := s.registry.MarkStale(ctx)
	if err != nil {
		report.Errors++
		s.logger.Warn("Stale node sweep failed", logging.Fields{"error": err})
	}
	report.MarkedOffline = marked

	expired, err := s.tasks.ExpireOverdue(ctx)
	if err != nil {
		report.Errors++
		s.logger.Warn("Deadline sweep failed", logging.Fields{"error": err})
	}
	report.Expired = expired

	rb, err := s.dist.Rebalance(ctx)
	if err != nil {
		report.Errors++
		s.logger.Warn("Rebalance failed", logging.Fields{"error": err})
	}
	report.Rebalance = rb

	if s.config.AssignPending {
		assigned, err := s.dist.AssignPending(ctx)
		if err != nil {
			report.Errors++
			s.logger.Warn("Pending assignment failed", logging.Fields{"error": err})
		}
		report.Assigned = assigned
	}

	if s.config.ReconcileCredits && s.credits != nil {
		n, err := s.credits.Reconcile(ctx)
		if err != nil {
			report.Errors++
			s.logger.Warn("Credit reconciliation failed", logging.Fields{"error": err})
		}
		report.Reconciled = n
	}

	if report.MarkedOffline+report.Expired+report.Assigned+report.Reconciled > 0 || report.Errors > 0 {
		s.logger.Info("Sweep completed", logging.Fields{
			"marked_offline": report.MarkedOffline,
			"expired":        report.Expired,
			"assigned":       report.Assigned,
			"reconciled":     report.Reconciled,
			"errors":         report.Errors,
		})
	}
	return report
}
