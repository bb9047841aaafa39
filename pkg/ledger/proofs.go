// Package ledger keeps the append-only green proof chain and the carbon
// credits issued from it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/koprogo/greengrid/pkg/events"
	"github.com/koprogo/greengrid/pkg/griderr"
	"github.com/koprogo/greengrid/pkg/logging"
	"github.com/koprogo/greengrid/pkg/models"
	"github.com/koprogo/greengrid/pkg/retry"
	"github.com/koprogo/greengrid/pkg/store"
	"github.com/koprogo/greengrid/pkg/tracing"
)

// ProofConfig holds proof ledger settings
type ProofConfig struct {
	// CarbonIntensity is the grid intensity in kg CO2 per kWh used to value
	// solar contributions
	CarbonIntensity float64
	// HeadRetries bounds retries when another writer moved the chain head
	HeadRetries int
	Now         func() time.Time
}

// DefaultProofConfig returns the grid defaults
func DefaultProofConfig() ProofConfig {
	return ProofConfig{
		CarbonIntensity: models.GridCarbonIntensityKgPerKWh,
		HeadRetries:     3,
		Now:             time.Now,
	}
}

// ProofLedger appends and verifies green proofs. Appends are serialized
// in-process by a mutex and across processes by the store's head check.
type ProofLedger struct {
	proofs store.ProofRepository
	config ProofConfig
	logger *logging.Logger
	events events.Publisher

	mu sync.Mutex
}

// NewProofLedger creates a proof ledger over the given repository
func NewProofLedger(proofs store.ProofRepository, config ProofConfig, logger *logging.Logger) *ProofLedger {
	if config.CarbonIntensity <= 0 {
		config.CarbonIntensity = models.GridCarbonIntensityKgPerKWh
	}
	if config.HeadRetries < 0 {
		config.HeadRetries = 0
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &ProofLedger{
		proofs: proofs,
		config: config,
		logger: logger.WithField("component", "proof_ledger"),
	}
}

// SetEventPublisher attaches an event sink
func (l *ProofLedger) SetEventPublisher(p events.Publisher) {
	l.events = p
}

// CarbonIntensity returns the configured grid intensity
func (l *ProofLedger) CarbonIntensity() float64 {
	return l.config.CarbonIntensity
}

// Append creates the proof for a completed task, linked to the current head
func (l *ProofLedger) Append(ctx context.Context, taskID, nodeID string, energy models.EnergyMetrics) (proof *models.GreenProof, err error) {
	const op = "ledger.Append"
	ctx, span := tracing.StartSpan(ctx, "ledger.append",
		attribute.String("task.id", taskID),
		attribute.String("node.id", nodeID),
	)
	defer func() { tracing.End(span, err) }()

	if strings.TrimSpace(taskID) == "" || strings.TrimSpace(nodeID) == "" {
		return nil, griderr.Errorf(op, griderr.InvalidInput, "task and node id are required")
	}
	if err := models.ValidateEnergy(energy.EnergyUsedWh, energy.SolarContributionWh); err != nil {
		return nil, griderr.E(op, griderr.InvalidInput, err)
	}
	if energy.CarbonSavedKg < 0 {
		return nil, griderr.Errorf(op, griderr.InvalidInput, "carbon saved cannot be negative")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	attempts := 0
	rc := retry.Config{
		MaxRetries:     l.config.HeadRetries,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Multiplier:     2,
	}
	err = retry.Do(ctx, rc, func() error {
		attempts++
		prev, err := l.headHash(ctx)
		if err != nil {
			return retry.Permanent(err)
		}
		p := &models.GreenProof{
			ID:           uuid.New().String(),
			TaskID:       taskID,
			NodeID:       nodeID,
			Energy:       energy,
			PreviousHash: prev,
			CreatedAt:    l.config.Now(),
		}
		p.Hash = p.ExpectedHash()
		if err := l.proofs.AppendProof(ctx, p); err != nil {
			if errors.Is(err, store.ErrChainHeadMoved) {
				l.logger.Warn("Chain head moved, retrying append", logging.Fields{
					"task_id": taskID,
					"attempt": attempts,
				})
				return err
			}
			return retry.Permanent(err)
		}
		proof = p
		return nil
	})
	if err != nil {
		return nil, store.AsGridError(op, err)
	}

	l.logger.Info("Green proof appended", logging.Fields{
		"proof_id":  proof.ID,
		"sequence":  proof.Sequence,
		"task_id":   taskID,
		"node_id":   nodeID,
		"energy_wh": energy.EnergyUsedWh,
		"solar_wh":  energy.SolarContributionWh,
		"hash":      proof.Hash,
	})
	span.SetAttributes(attribute.Int64("proof.sequence", proof.Sequence))
	events.Publish(l.events, events.ProofAppended, proof)
	return proof, nil
}

func (l *ProofLedger) headHash(ctx context.Context) (string, error) {
	head, err := l.proofs.LatestProof(ctx)
	if errors.Is(err, store.ErrProofNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return head.Hash, nil
}

// Latest returns the chain head, or a NotFound error for an empty chain
func (l *ProofLedger) Latest(ctx context.Context) (*models.GreenProof, error) {
	p, err := l.proofs.LatestProof(ctx)
	if err != nil {
		return nil, store.AsGridError("ledger.Latest", err)
	}
	return p, nil
}

// List returns proofs in creation order
func (l *ProofLedger) List(ctx context.Context, limit, offset int) ([]*models.GreenProof, error) {
	if limit < 0 || offset < 0 {
		return nil, griderr.Errorf("ledger.List", griderr.InvalidInput, "limit and offset must be non-negative")
	}
	proofs, err := l.proofs.ListProofs(ctx, limit, offset)
	if err != nil {
		return nil, store.AsGridError("ledger.List", err)
	}
	return proofs, nil
}

// FindByTask returns the proof recorded for a task
func (l *ProofLedger) FindByTask(ctx context.Context, taskID string) (*models.GreenProof, error) {
	p, err := l.proofs.GetProofByTask(ctx, taskID)
	if err != nil {
		return nil, store.AsGridError("ledger.FindByTask", err)
	}
	return p, nil
}

// Count returns the chain length
func (l *ProofLedger) Count(ctx context.Context) (int, error) {
	n, err := l.proofs.CountProofs(ctx)
	if err != nil {
		return 0, store.AsGridError("ledger.Count", err)
	}
	return n, nil
}

// Verify walks the chain in creation order and recomputes every hash. It
// returns a ChainIntegrity error naming the first broken sequence.
func (l *ProofLedger) Verify(ctx context.Context) (err error) {
	const op = "ledger.Verify"
	ctx, span := tracing.StartSpan(ctx, "ledger.verify")
	defer func() { tracing.End(span, err) }()

	var (
		prev    string
		want    int64
		checked int
	)
	err = l.proofs.ScanProofs(ctx, func(p *models.GreenProof) error {
		switch {
		case p.Sequence != want:
			return griderr.Errorf(op, griderr.ChainIntegrity,
				"proof %s: sequence %d, expected %d", p.ID, p.Sequence, want)
		case p.PreviousHash != prev:
			return griderr.Errorf(op, griderr.ChainIntegrity,
				"proof %d: previous hash does not match predecessor", p.Sequence)
		case p.Hash != p.ExpectedHash():
			return griderr.Errorf(op, griderr.ChainIntegrity,
				"proof %d: stored hash does not match contents", p.Sequence)
		}
		prev = p.Hash
		want++
		checked++
		return nil
	})
	span.SetAttributes(attribute.Int("proofs.checked", checked))
	if err == nil {
		return nil
	}
	if griderr.Is(err, griderr.ChainIntegrity) {
		l.logger.Error("Green proof chain broken", logging.Fields{"error": err, "checked": checked})
		events.Publish(l.events, events.ChainBroken, map[string]string{"error": err.Error()})
		return err
	}
	return store.AsGridError(op, fmt.Errorf("scan proofs: %w", err))
}

// VerifyChain reports whether the chain is intact. Store failures are
// returned as errors, never as a false result.
func (l *ProofLedger) VerifyChain(ctx context.Context) (bool, error) {
	err := l.Verify(ctx)
	switch {
	case err == nil:
		return true, nil
	case griderr.Is(err, griderr.ChainIntegrity):
		return false, nil
	default:
		return false, err
	}
}
