package store

import (
	"context"
	"errors"
	"time"

	"github.com/koprogo/greengrid/pkg/griderr"
	"github.com/koprogo/greengrid/pkg/models"
)

var (
	ErrNodeNotFound        = errors.New("node not found")
	ErrTaskNotFound        = errors.New("task not found")
	ErrProofNotFound       = errors.New("proof not found")
	ErrCreditNotFound      = errors.New("credit not found")
	ErrStatusConflict      = errors.New("status changed concurrently")
	ErrChainHeadMoved      = errors.New("proof chain head moved")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// NodeRepository persists compute nodes.
// Energy and credit counters are owned by CreditRepository.IssueCredit;
// UpdateNode never overwrites them.
type NodeRepository interface {
	// CreateNode inserts a node and assigns its registration Sequence
	CreateNode(ctx context.Context, node *models.Node) error
	GetNode(ctx context.Context, id string) (*models.Node, error)
	// ListNodes returns all nodes in registration order
	ListNodes(ctx context.Context) ([]*models.Node, error)
	UpdateNode(ctx context.Context, node *models.Node) error
	// MarkNodeOffline flips a node to offline if its last heartbeat is
	// before cutoff. Returns false when the node was already offline or
	// heartbeated in the meantime.
	MarkNodeOffline(ctx context.Context, id string, cutoff time.Time) (bool, error)
	DeleteNode(ctx context.Context, id string) error
}

// TaskFilter narrows ListTasks
type TaskFilter struct {
	Status models.TaskStatus
	NodeID string
	Limit  int
}

// TaskRepository persists tasks
type TaskRepository interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	// UpdateTaskIf writes the task only if the stored status still equals
	// expected, returning ErrStatusConflict otherwise.
	UpdateTaskIf(ctx context.Context, task *models.Task, expected models.TaskStatus) error
	// ListTasks returns matching tasks in creation order
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
	// FindNextPending returns the oldest pending task or ErrTaskNotFound
	FindNextPending(ctx context.Context) (*models.Task, error)
	FindTasksByNode(ctx context.Context, nodeID string) ([]*models.Task, error)
	CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error)
}

// ProofRepository persists the append-only green proof chain
type ProofRepository interface {
	// AppendProof stores proof as the new head. proof.PreviousHash must equal
	// the current head hash (empty for an empty chain) or ErrChainHeadMoved
	// is returned. The store assigns proof.Sequence.
	AppendProof(ctx context.Context, proof *models.GreenProof) error
	// LatestProof returns the chain head or ErrProofNotFound when empty
	LatestProof(ctx context.Context) (*models.GreenProof, error)
	ListProofs(ctx context.Context, limit, offset int) ([]*models.GreenProof, error)
	// ScanProofs calls fn for every proof in creation order, stopping at the
	// first error fn returns.
	ScanProofs(ctx context.Context, fn func(*models.GreenProof) error) error
	GetProofByTask(ctx context.Context, taskID string) (*models.GreenProof, error)
	CountProofs(ctx context.Context) (int, error)
}

// CreditRepository persists carbon credits and the cooperative fund
type CreditRepository interface {
	// IssueCredit atomically inserts the credit, adds energySavedWh and the
	// credit's kg CO2 to the node counters and its cooperative share to the
	// fund. If a credit already exists for the proof it is returned with
	// created=false and nothing else changes.
	IssueCredit(ctx context.Context, credit *models.CarbonCredit, energySavedWh float64) (existing *models.CarbonCredit, created bool, err error)
	GetCredit(ctx context.Context, id string) (*models.CarbonCredit, error)
	GetCreditByProof(ctx context.Context, proofID string) (*models.CarbonCredit, error)
	// UpdateCreditStatus writes status fields if the stored status equals expected
	UpdateCreditStatus(ctx context.Context, credit *models.CarbonCredit, expected models.CreditStatus) error
	ListCreditsByNode(ctx context.Context, nodeID string) ([]*models.CarbonCredit, error)
	ListCredits(ctx context.Context) ([]*models.CarbonCredit, error)
	CooperativeFund(ctx context.Context) (float64, error)
}

// Store combines every repository the grid needs
type Store interface {
	NodeRepository
	TaskRepository
	ProofRepository
	CreditRepository

	Close() error
	HealthCheck(ctx context.Context) error
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string

	// ProofBackend optionally moves the proof chain to LevelDB ("leveldb")
	ProofBackend string
	ProofPath    string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	var s Store
	var err error

	switch config.Type {
	case "memory":
		s = NewMemoryStore()
	case "postgres", "postgresql":
		s, err = NewPostgreSQLStore(config)
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "greengrid.db"
		}
		s, err = NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
	if err != nil {
		return nil, err
	}

	switch config.ProofBackend {
	case "", "default":
		return s, nil
	case "leveldb":
		path := config.ProofPath
		if path == "" {
			path = "proofs.ldb"
		}
		proofs, err := NewLevelDBProofStore(path)
		if err != nil {
			s.Close()
			return nil, err
		}
		return WithProofStore(s, proofs), nil
	default:
		s.Close()
		return nil, ErrUnsupportedDatabase
	}
}

// proofOverride routes proof operations to a dedicated chain store
type proofOverride struct {
	Store
	proofs *LevelDBProofStore
}

// WithProofStore returns a Store whose proof chain lives in proofs
func WithProofStore(base Store, proofs *LevelDBProofStore) Store {
	return &proofOverride{Store: base, proofs: proofs}
}

func (p *proofOverride) AppendProof(ctx context.Context, proof *models.GreenProof) error {
	return p.proofs.AppendProof(ctx, proof)
}

func (p *proofOverride) LatestProof(ctx context.Context) (*models.GreenProof, error) {
	return p.proofs.LatestProof(ctx)
}

func (p *proofOverride) ListProofs(ctx context.Context, limit, offset int) ([]*models.GreenProof, error) {
	return p.proofs.ListProofs(ctx, limit, offset)
}

func (p *proofOverride) ScanProofs(ctx context.Context, fn func(*models.GreenProof) error) error {
	return p.proofs.ScanProofs(ctx, fn)
}

func (p *proofOverride) GetProofByTask(ctx context.Context, taskID string) (*models.GreenProof, error) {
	return p.proofs.GetProofByTask(ctx, taskID)
}

func (p *proofOverride) CountProofs(ctx context.Context) (int, error) {
	return p.proofs.CountProofs(ctx)
}

func (p *proofOverride) Close() error {
	perr := p.proofs.Close()
	if err := p.Store.Close(); err != nil {
		return err
	}
	return perr
}

func (p *proofOverride) HealthCheck(ctx context.Context) error {
	if err := p.proofs.HealthCheck(ctx); err != nil {
		return err
	}
	return p.Store.HealthCheck(ctx)
}

// AsGridError translates store errors into the grid error taxonomy
func AsGridError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ge *griderr.Error
	if errors.As(err, &ge) {
		return err
	}
	switch {
	case errors.Is(err, ErrNodeNotFound), errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrProofNotFound), errors.Is(err, ErrCreditNotFound):
		return griderr.E(op, griderr.NotFound, err)
	case errors.Is(err, ErrStatusConflict):
		return griderr.E(op, griderr.InvalidTransition, err)
	default:
		return griderr.E(op, griderr.Internal, err)
	}
}
