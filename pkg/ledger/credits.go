package ledger

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/floats"

	"github.com/koprogo/greengrid/pkg/events"
	"github.com/koprogo/greengrid/pkg/griderr"
	"github.com/koprogo/greengrid/pkg/logging"
	"github.com/koprogo/greengrid/pkg/models"
	"github.com/koprogo/greengrid/pkg/store"
	"github.com/koprogo/greengrid/pkg/tracing"
)

// FundTolerance is the accepted drift between the fund accumulator and the
// summed cooperative shares
const FundTolerance = 1e-9

// CreditConfig holds credit ledger settings
type CreditConfig struct {
	Policy models.CreditPolicy
	Now    func() time.Time
}

// DefaultCreditConfig returns the cooperative's default policy
func DefaultCreditConfig() CreditConfig {
	return CreditConfig{
		Policy: models.DefaultCreditPolicy(),
		Now:    time.Now,
	}
}

// CreditLedger turns green proofs into carbon credits and keeps the
// cooperative fund
type CreditLedger struct {
	credits store.CreditRepository
	proofs  store.ProofRepository
	config  CreditConfig
	logger  *logging.Logger
	events  events.Publisher
}

// NewCreditLedger creates a credit ledger. proofs is only read by Reconcile.
func NewCreditLedger(credits store.CreditRepository, proofs store.ProofRepository, config CreditConfig, logger *logging.Logger) (*CreditLedger, error) {
	if err := config.Policy.Validate(); err != nil {
		return nil, griderr.E("ledger.NewCreditLedger", griderr.InvalidInput, err)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &CreditLedger{
		credits: credits,
		proofs:  proofs,
		config:  config,
		logger:  logger.WithField("component", "credit_ledger"),
	}, nil
}

// SetEventPublisher attaches an event sink
func (l *CreditLedger) SetEventPublisher(p events.Publisher) {
	l.events = p
}

// Policy returns the pricing and split policy in force
func (l *CreditLedger) Policy() models.CreditPolicy {
	return l.config.Policy
}

// Issue prices a proof and records the credit together with the node
// counters and fund increment. A proof is credited at most once; issuing it
// again returns the existing credit.
func (l *CreditLedger) Issue(ctx context.Context, proof *models.GreenProof) (credit *models.CarbonCredit, err error) {
	const op = "ledger.Issue"
	if proof == nil || proof.ID == "" {
		return nil, griderr.Errorf(op, griderr.InvalidInput, "proof is required")
	}
	ctx, span := tracing.StartSpan(ctx, "ledger.issue_credit",
		attribute.String("proof.id", proof.ID),
		attribute.String("node.id", proof.NodeID),
	)
	defer func() { tracing.End(span, err) }()

	credit, err = models.NewCarbonCredit(uuid.New().String(), proof, l.config.Policy, l.config.Now())
	if err != nil {
		return nil, griderr.E(op, griderr.InvalidInput, err)
	}

	existing, created, err := l.credits.IssueCredit(ctx, credit, proof.Energy.SolarContributionWh)
	if err != nil {
		return nil, store.AsGridError(op, err)
	}
	if !created {
		l.logger.Debug("Credit already issued for proof", logging.Fields{
			"proof_id":  proof.ID,
			"credit_id": existing.ID,
		})
		return existing, nil
	}

	l.logger.Info("Carbon credit issued", logging.Fields{
		"credit_id":   credit.ID,
		"node_id":     credit.NodeID,
		"task_id":     credit.TaskID,
		"kg_co2":      credit.KgCO2,
		"euro_value":  credit.EuroValue,
		"node_eur":    credit.NodeShareEUR,
		"cooperative": credit.CooperativeShareEUR,
	})
	events.Publish(l.events, events.CreditIssued, credit)
	return credit, nil
}

// Get returns a credit by ID
func (l *CreditLedger) Get(ctx context.Context, id string) (*models.CarbonCredit, error) {
	c, err := l.credits.GetCredit(ctx, id)
	if err != nil {
		return nil, store.AsGridError("ledger.GetCredit", err)
	}
	return c, nil
}

// ListByNode returns a node's credits in issuance order
func (l *CreditLedger) ListByNode(ctx context.Context, nodeID string) ([]*models.CarbonCredit, error) {
	credits, err := l.credits.ListCreditsByNode(ctx, nodeID)
	if err != nil {
		return nil, store.AsGridError("ledger.ListByNode", err)
	}
	return credits, nil
}

// CooperativeFund returns the total of every cooperative share issued
func (l *CreditLedger) CooperativeFund(ctx context.Context) (float64, error) {
	total, err := l.credits.CooperativeFund(ctx)
	if err != nil {
		return 0, store.AsGridError("ledger.CooperativeFund", err)
	}
	return total, nil
}

// NodeStats aggregates the credits of one node. A node without credits gets
// zeroed stats.
func (l *CreditLedger) NodeStats(ctx context.Context, nodeID string) (*models.CreditStats, error) {
	credits, err := l.credits.ListCreditsByNode(ctx, nodeID)
	if err != nil {
		return nil, store.AsGridError("ledger.NodeStats", err)
	}
	stats := &models.CreditStats{NodeID: nodeID}
	for _, c := range credits {
		stats.TotalCredits++
		stats.TotalKgCO2 += c.KgCO2
		stats.TotalEuroValue += c.EuroValue
		stats.NodeShareEUR += c.NodeShareEUR
		stats.CooperativeShareEUR += c.CooperativeShareEUR
	}
	return stats, nil
}

// Confirm moves a pending credit to confirmed
func (l *CreditLedger) Confirm(ctx context.Context, id string) (*models.CarbonCredit, error) {
	return l.advance(ctx, "ledger.Confirm", id, (*models.CarbonCredit).Confirm)
}

// Redeem moves a confirmed credit to redeemed
func (l *CreditLedger) Redeem(ctx context.Context, id string) (*models.CarbonCredit, error) {
	return l.advance(ctx, "ledger.Redeem", id, (*models.CarbonCredit).Redeem)
}

func (l *CreditLedger) advance(ctx context.Context, op, id string, step func(*models.CarbonCredit, time.Time) error) (*models.CarbonCredit, error) {
	credit, err := l.credits.GetCredit(ctx, id)
	if err != nil {
		return nil, store.AsGridError(op, err)
	}
	from := credit.Status
	if err := step(credit, l.config.Now()); err != nil {
		return nil, err
	}
	if err := l.credits.UpdateCreditStatus(ctx, credit, from); err != nil {
		return nil, store.AsGridError(op, err)
	}
	l.logger.Info("Credit status changed", logging.Fields{
		"credit_id": id,
		"from":      from,
		"to":        credit.Status,
	})
	events.Publish(l.events, events.CreditUpdated, credit)
	return credit, nil
}

// Reconcile issues credits for proofs that have none, e.g. when the process
// stopped between appending a proof and crediting it. Returns how many were
// issued.
func (l *CreditLedger) Reconcile(ctx context.Context) (int, error) {
	const op = "ledger.Reconcile"
	if l.proofs == nil {
		return 0, nil
	}

	var missing []*models.GreenProof
	err := l.proofs.ScanProofs(ctx, func(p *models.GreenProof) error {
		_, err := l.credits.GetCreditByProof(ctx, p.ID)
		if errors.Is(err, store.ErrCreditNotFound) {
			missing = append(missing, p)
			return nil
		}
		return err
	})
	if err != nil {
		return 0, store.AsGridError(op, err)
	}

	issued := 0
	for _, p := range missing {
		if _, err := l.Issue(ctx, p); err != nil {
			l.logger.Warn("Failed to reconcile credit", logging.Fields{"proof_id": p.ID, "error": err})
			continue
		}
		issued++
	}
	if issued > 0 {
		l.logger.Info("Reconciled missing credits", logging.Fields{"issued": issued})
	}
	return issued, nil
}

// FundAudit compares the fund accumulator with the issued credits
type FundAudit struct {
	Accumulated    float64 `json:"accumulated_eur"`
	SumOfShares    float64 `json:"sum_of_shares_eur"`
	TotalEuroValue float64 `json:"total_euro_value"`
	SumOfSplits    float64 `json:"sum_of_splits_eur"`
	Credits        int     `json:"credits"`
	Balanced       bool    `json:"balanced"`
}

// AuditFund checks that the fund equals the summed cooperative shares and
// that every credit's shares add up to its value
func (l *CreditLedger) AuditFund(ctx context.Context) (*FundAudit, error) {
	const op = "ledger.AuditFund"
	total, err := l.credits.CooperativeFund(ctx)
	if err != nil {
		return nil, store.AsGridError(op, err)
	}
	credits, err := l.credits.ListCredits(ctx)
	if err != nil {
		return nil, store.AsGridError(op, err)
	}

	coop := make([]float64, len(credits))
	value := make([]float64, len(credits))
	split := make([]float64, len(credits))
	for i, c := range credits {
		coop[i] = c.CooperativeShareEUR
		value[i] = c.EuroValue
		split[i] = c.NodeShareEUR + c.CooperativeShareEUR
	}

	audit := &FundAudit{
		Accumulated:    total,
		SumOfShares:    floats.Sum(coop),
		TotalEuroValue: floats.Sum(value),
		SumOfSplits:    floats.Sum(split),
		Credits:        len(credits),
	}
	audit.Balanced = math.Abs(audit.Accumulated-audit.SumOfShares) <= FundTolerance &&
		math.Abs(audit.TotalEuroValue-audit.SumOfSplits) <= FundTolerance
	if !audit.Balanced {
		l.logger.Error("Cooperative fund out of balance", logging.Fields{
			"accumulated":   audit.Accumulated,
			"sum_of_shares": audit.SumOfShares,
			"euro_value":    audit.TotalEuroValue,
			"sum_of_splits": audit.SumOfSplits,
		})
	}
	return audit, nil
}
