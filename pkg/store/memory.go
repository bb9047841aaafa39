package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/koprogo/greengrid/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store.
// Proofs live in an append-only arena indexed by sequence with a head index.
type MemoryStore struct {
	nodes   map[string]*models.Node
	nodeSeq int64
	nodesMu sync.RWMutex

	tasks     map[string]*models.Task
	taskOrder []string // creation order
	tasksMu   sync.RWMutex

	proofs      []*models.GreenProof
	head        int // index of the chain head, -1 when empty
	proofByTask map[string]int
	proofsMu    sync.RWMutex

	credits       map[string]*models.CarbonCredit
	creditByProof map[string]string
	creditOrder   []string
	fund          float64
	creditsMu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:         make(map[string]*models.Node),
		tasks:         make(map[string]*models.Task),
		head:          -1,
		proofByTask:   make(map[string]int),
		credits:       make(map[string]*models.CarbonCredit),
		creditByProof: make(map[string]string),
	}
}

// Node operations

// CreateNode adds a node to the store
func (s *MemoryStore) CreateNode(_ context.Context, node *models.Node) error {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	node.Sequence = s.nodeSeq
	s.nodeSeq++
	c := *node
	s.nodes[node.ID] = &c
	return nil
}

// GetNode retrieves a node by ID
func (s *MemoryStore) GetNode(_ context.Context, id string) (*models.Node, error) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	c := *node
	return &c, nil
}

// ListNodes returns all registered nodes in registration order
func (s *MemoryStore) ListNodes(_ context.Context) ([]*models.Node, error) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()

	nodes := make([]*models.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		c := *node
		nodes = append(nodes, &c)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Sequence < nodes[j].Sequence })
	return nodes, nil
}

// UpdateNode writes the node's status and live metrics
func (s *MemoryStore) UpdateNode(_ context.Context, node *models.Node) error {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	stored, ok := s.nodes[node.ID]
	if !ok {
		return ErrNodeNotFound
	}
	stored.Name = node.Name
	stored.Status = node.Status
	stored.EcoScore = node.EcoScore
	stored.LastCPUUsage = node.LastCPUUsage
	stored.LastSolarWatts = node.LastSolarWatts
	stored.LastHeartbeat = node.LastHeartbeat
	stored.UpdatedAt = node.UpdatedAt
	return nil
}

// MarkNodeOffline flips a stale node to offline
func (s *MemoryStore) MarkNodeOffline(_ context.Context, id string, cutoff time.Time) (bool, error) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return false, ErrNodeNotFound
	}
	if node.Status == models.NodeStatusOffline || !node.LastHeartbeat.Before(cutoff) {
		return false, nil
	}
	node.Status = models.NodeStatusOffline
	node.UpdatedAt = time.Now()
	return true, nil
}

// DeleteNode removes a node from the store
func (s *MemoryStore) DeleteNode(_ context.Context, id string) error {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return ErrNodeNotFound
	}
	delete(s.nodes, id)
	return nil
}

// Task operations

// CreateTask adds a new task
func (s *MemoryStore) CreateTask(_ context.Context, task *models.Task) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	s.tasks[task.ID] = task.Clone()
	s.taskOrder = append(s.taskOrder, task.ID)
	return nil
}

// GetTask retrieves a task by ID
func (s *MemoryStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// UpdateTask replaces a stored task
func (s *MemoryStore) UpdateTask(_ context.Context, task *models.Task) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	if _, ok := s.tasks[task.ID]; !ok {
		return ErrTaskNotFound
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// UpdateTaskIf replaces a stored task if its status still matches expected
func (s *MemoryStore) UpdateTaskIf(_ context.Context, task *models.Task, expected models.TaskStatus) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	stored, ok := s.tasks[task.ID]
	if !ok {
		return ErrTaskNotFound
	}
	if stored.Status != expected {
		return ErrStatusConflict
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// ListTasks returns tasks matching the filter in creation order
func (s *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*models.Task, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()

	tasks := make([]*models.Task, 0)
	for _, id := range s.taskOrder {
		task := s.tasks[id]
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.NodeID != "" && task.AssignedNodeID != filter.NodeID {
			continue
		}
		tasks = append(tasks, task.Clone())
		if filter.Limit > 0 && len(tasks) >= filter.Limit {
			break
		}
	}
	return tasks, nil
}

// FindNextPending returns the oldest pending task
func (s *MemoryStore) FindNextPending(ctx context.Context) (*models.Task, error) {
	tasks, _ := s.ListTasks(ctx, TaskFilter{Status: models.TaskStatusPending, Limit: 1})
	if len(tasks) == 0 {
		return nil, ErrTaskNotFound
	}
	return tasks[0], nil
}

// FindTasksByNode returns every task assigned to the node
func (s *MemoryStore) FindTasksByNode(ctx context.Context, nodeID string) ([]*models.Task, error) {
	return s.ListTasks(ctx, TaskFilter{NodeID: nodeID})
}

// CountTasksByStatus returns task counts grouped by status
func (s *MemoryStore) CountTasksByStatus(_ context.Context) (map[models.TaskStatus]int, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()

	counts := make(map[models.TaskStatus]int)
	for _, task := range s.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

// Proof operations

// AppendProof appends a proof if its previous hash matches the head
func (s *MemoryStore) AppendProof(_ context.Context, proof *models.GreenProof) error {
	s.proofsMu.Lock()
	defer s.proofsMu.Unlock()

	headHash := ""
	if s.head >= 0 {
		headHash = s.proofs[s.head].Hash
	}
	if proof.PreviousHash != headHash {
		return ErrChainHeadMoved
	}

	proof.Sequence = int64(len(s.proofs))
	c := *proof
	s.proofs = append(s.proofs, &c)
	s.head = len(s.proofs) - 1
	if _, exists := s.proofByTask[proof.TaskID]; !exists {
		s.proofByTask[proof.TaskID] = s.head
	}
	return nil
}

// LatestProof returns the chain head
func (s *MemoryStore) LatestProof(_ context.Context) (*models.GreenProof, error) {
	s.proofsMu.RLock()
	defer s.proofsMu.RUnlock()

	if s.head < 0 {
		return nil, ErrProofNotFound
	}
	c := *s.proofs[s.head]
	return &c, nil
}

// ListProofs returns a page of proofs in creation order
func (s *MemoryStore) ListProofs(_ context.Context, limit, offset int) ([]*models.GreenProof, error) {
	s.proofsMu.RLock()
	defer s.proofsMu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	end := len(s.proofs)
	if offset > end {
		offset = end
	}
	if limit > 0 && limit < end-offset {
		end = offset + limit
	}
	proofs := make([]*models.GreenProof, 0)
	for i := offset; i < end; i++ {
		c := *s.proofs[i]
		proofs = append(proofs, &c)
	}
	return proofs, nil
}

// ScanProofs walks the chain from genesis
func (s *MemoryStore) ScanProofs(ctx context.Context, fn func(*models.GreenProof) error) error {
	s.proofsMu.RLock()
	snapshot := s.proofs[:len(s.proofs):len(s.proofs)]
	s.proofsMu.RUnlock()

	for _, p := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := *p
		if err := fn(&c); err != nil {
			return err
		}
	}
	return nil
}

// GetProofByTask returns the proof recorded for a task
func (s *MemoryStore) GetProofByTask(_ context.Context, taskID string) (*models.GreenProof, error) {
	s.proofsMu.RLock()
	defer s.proofsMu.RUnlock()

	idx, ok := s.proofByTask[taskID]
	if !ok {
		return nil, ErrProofNotFound
	}
	c := *s.proofs[idx]
	return &c, nil
}

// CountProofs returns the chain length
func (s *MemoryStore) CountProofs(_ context.Context) (int, error) {
	s.proofsMu.RLock()
	defer s.proofsMu.RUnlock()
	return len(s.proofs), nil
}

// Credit operations

// IssueCredit inserts a credit and updates node counters and the fund
func (s *MemoryStore) IssueCredit(_ context.Context, credit *models.CarbonCredit, energySavedWh float64) (*models.CarbonCredit, bool, error) {
	s.creditsMu.Lock()
	defer s.creditsMu.Unlock()

	if id, ok := s.creditByProof[credit.ProofID]; ok {
		c := *s.credits[id]
		return &c, false, nil
	}

	c := *credit
	s.credits[credit.ID] = &c
	s.creditByProof[credit.ProofID] = credit.ID
	s.creditOrder = append(s.creditOrder, credit.ID)
	s.fund += credit.CooperativeShareEUR

	// lock order: credits then nodes
	s.nodesMu.Lock()
	if node, ok := s.nodes[credit.NodeID]; ok {
		node.AddEnergySaved(energySavedWh)
		node.AddCarbonCredits(credit.KgCO2)
	}
	s.nodesMu.Unlock()

	return credit, true, nil
}

// GetCredit retrieves a credit by ID
func (s *MemoryStore) GetCredit(_ context.Context, id string) (*models.CarbonCredit, error) {
	s.creditsMu.RLock()
	defer s.creditsMu.RUnlock()

	credit, ok := s.credits[id]
	if !ok {
		return nil, ErrCreditNotFound
	}
	c := *credit
	return &c, nil
}

// GetCreditByProof retrieves the credit issued for a proof
func (s *MemoryStore) GetCreditByProof(ctx context.Context, proofID string) (*models.CarbonCredit, error) {
	s.creditsMu.RLock()
	id, ok := s.creditByProof[proofID]
	s.creditsMu.RUnlock()
	if !ok {
		return nil, ErrCreditNotFound
	}
	return s.GetCredit(ctx, id)
}

// UpdateCreditStatus writes status fields if the stored status matches expected
func (s *MemoryStore) UpdateCreditStatus(_ context.Context, credit *models.CarbonCredit, expected models.CreditStatus) error {
	s.creditsMu.Lock()
	defer s.creditsMu.Unlock()

	stored, ok := s.credits[credit.ID]
	if !ok {
		return ErrCreditNotFound
	}
	if stored.Status != expected {
		return ErrStatusConflict
	}
	stored.Status = credit.Status
	stored.ConfirmedAt = credit.ConfirmedAt
	stored.RedeemedAt = credit.RedeemedAt
	return nil
}

// ListCreditsByNode returns a node's credits in issue order
func (s *MemoryStore) ListCreditsByNode(_ context.Context, nodeID string) ([]*models.CarbonCredit, error) {
	return s.listCredits(func(c *models.CarbonCredit) bool { return c.NodeID == nodeID }), nil
}

// ListCredits returns every credit in issue order
func (s *MemoryStore) ListCredits(_ context.Context) ([]*models.CarbonCredit, error) {
	return s.listCredits(func(*models.CarbonCredit) bool { return true }), nil
}

func (s *MemoryStore) listCredits(match func(*models.CarbonCredit) bool) []*models.CarbonCredit {
	s.creditsMu.RLock()
	defer s.creditsMu.RUnlock()

	credits := make([]*models.CarbonCredit, 0)
	for _, id := range s.creditOrder {
		if credit := s.credits[id]; match(credit) {
			c := *credit
			credits = append(credits, &c)
		}
	}
	return credits
}

// CooperativeFund returns the accumulated cooperative share
func (s *MemoryStore) CooperativeFund(_ context.Context) (float64, error) {
	s.creditsMu.RLock()
	defer s.creditsMu.RUnlock()
	return s.fund, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}
