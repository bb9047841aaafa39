package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/koprogo/greengrid/pkg/models"
)

// dialect captures the differences between SQLite and PostgreSQL
type dialect interface {
	rebind(query string) string
	isUniqueViolation(err error) bool
}

// sqlStore implements every repository on database/sql. SQLiteStore and
// PostgreSQLStore embed it and supply their schema and dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.Mutex // serializes sequence generation and multi-statement writes
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const scanPageSize = 500

func (s *sqlStore) exec(ctx context.Context, q string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
}

// Node operations

const nodeColumns = `id, seq, name, cpu_cores, has_solar, location, status, eco_score,
	last_cpu_usage, last_solar_watts, total_energy_saved_wh, total_carbon_credits,
	last_heartbeat, registered_at, updated_at`

func scanNode(row rowScanner) (*models.Node, error) {
	var node models.Node
	var status string
	err := row.Scan(&node.ID, &node.Sequence, &node.Name, &node.CPUCores, &node.HasSolar,
		&node.Location, &status, &node.EcoScore, &node.LastCPUUsage, &node.LastSolarWatts,
		&node.TotalEnergySavedWh, &node.TotalCarbonCredits, &node.LastHeartbeat,
		&node.RegisteredAt, &node.UpdatedAt)
	if err != nil {
		return nil, err
	}
	node.Status = models.NodeStatus(status)
	return &node, nil
}

// CreateNode inserts a node and assigns its registration sequence
func (s *sqlStore) CreateNode(ctx context.Context, node *models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq) + 1, 0) FROM nodes`).Scan(&seq); err != nil {
		return fmt.Errorf("next node sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), node.ID, seq, node.Name, node.CPUCores, node.HasSolar, node.Location, string(node.Status),
		node.EcoScore, node.LastCPUUsage, node.LastSolarWatts, node.TotalEnergySavedWh,
		node.TotalCarbonCredits, node.LastHeartbeat, node.RegisteredAt, node.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit node: %w", err)
	}
	node.Sequence = seq
	return nil
}

// GetNode retrieves a node by ID
func (s *sqlStore) GetNode(ctx context.Context, id string) (*models.Node, error) {
	node, err := scanNode(s.queryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return node, nil
}

// ListNodes returns all nodes in registration order
func (s *sqlStore) ListNodes(ctx context.Context) ([]*models.Node, error) {
	rows, err := s.query(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	nodes := make([]*models.Node, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// UpdateNode writes the node's status and live metrics
func (s *sqlStore) UpdateNode(ctx context.Context, node *models.Node) error {
	result, err := s.exec(ctx, `
		UPDATE nodes
		SET name = ?, status = ?, eco_score = ?, last_cpu_usage = ?, last_solar_watts = ?,
		    last_heartbeat = ?, updated_at = ?
		WHERE id = ?
	`, node.Name, string(node.Status), node.EcoScore, node.LastCPUUsage, node.LastSolarWatts,
		node.LastHeartbeat, node.UpdatedAt, node.ID)
	if err != nil {
		return fmt.Errorf("update node %s: %w", node.ID, err)
	}
	return requireAffected(result, ErrNodeNotFound)
}

// MarkNodeOffline flips a stale node to offline
func (s *sqlStore) MarkNodeOffline(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	var lastHeartbeat time.Time
	err = tx.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT status, last_heartbeat FROM nodes WHERE id = ?`), id).Scan(&status, &lastHeartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNodeNotFound
	}
	if err != nil {
		return false, fmt.Errorf("get node %s: %w", id, err)
	}
	if models.NodeStatus(status) == models.NodeStatusOffline || !lastHeartbeat.Before(cutoff) {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`UPDATE nodes SET status = ?, updated_at = ? WHERE id = ?`),
		string(models.NodeStatusOffline), time.Now(), id); err != nil {
		return false, fmt.Errorf("mark node %s offline: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit node %s: %w", id, err)
	}
	return true, nil
}

// DeleteNode removes a node
func (s *sqlStore) DeleteNode(ctx context.Context, id string) error {
	result, err := s.exec(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	return requireAffected(result, ErrNodeNotFound)
}

// Task operations

const taskColumns = `id, task_type, payload, data_url, deadline, status, assigned_node_id,
	result_hash, energy_used_wh, solar_contribution_wh, failure_reason, created_at,
	started_at, completed_at, state_transitions`

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var taskType, status, payloadJSON, transitionsJSON string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&task.ID, &taskType, &payloadJSON, &task.DataURL, &task.Deadline, &status,
		&task.AssignedNodeID, &task.ResultHash, &task.EnergyUsedWh, &task.SolarContributionWh,
		&task.FailureReason, &task.CreatedAt, &startedAt, &completedAt, &transitionsJSON)
	if err != nil {
		return nil, err
	}

	task.Type = models.TaskType(taskType)
	task.Status = models.TaskStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if payloadJSON != "" && payloadJSON != "null" {
		if err := json.Unmarshal([]byte(payloadJSON), &task.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if transitionsJSON != "" && transitionsJSON != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON), &task.Transitions); err != nil {
			return nil, fmt.Errorf("unmarshal transitions: %w", err)
		}
	}
	return &task, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func taskJSON(task *models.Task) (payload, transitions string, err error) {
	p, err := json.Marshal(task.Payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal payload: %w", err)
	}
	tr, err := json.Marshal(task.Transitions)
	if err != nil {
		return "", "", fmt.Errorf("marshal transitions: %w", err)
	}
	return string(p), string(tr), nil
}

// CreateTask inserts a new task
func (s *sqlStore) CreateTask(ctx context.Context, task *models.Task) error {
	payload, transitions, err := taskJSON(task)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq) + 1, 0) FROM tasks`).Scan(&seq); err != nil {
		return fmt.Errorf("next task sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO tasks (seq, `+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), seq, task.ID, string(task.Type), payload, task.DataURL, task.Deadline, string(task.Status),
		task.AssignedNodeID, task.ResultHash, task.EnergyUsedWh, task.SolarContributionWh,
		task.FailureReason, task.CreatedAt, nullTime(task.StartedAt), nullTime(task.CompletedAt),
		transitions)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return tx.Commit()
}

// GetTask retrieves a task by ID
func (s *sqlStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := scanTask(s.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

const taskUpdate = `
	UPDATE tasks
	SET status = ?, assigned_node_id = ?, result_hash = ?, energy_used_wh = ?,
	    solar_contribution_wh = ?, failure_reason = ?, started_at = ?, completed_at = ?,
	    state_transitions = ?
	WHERE id = ?`

func (s *sqlStore) updateTask(ctx context.Context, task *models.Task, cond string, extra ...interface{}) (sql.Result, error) {
	_, transitions, err := taskJSON(task)
	if err != nil {
		return nil, err
	}
	args := []interface{}{string(task.Status), task.AssignedNodeID, task.ResultHash,
		task.EnergyUsedWh, task.SolarContributionWh, task.FailureReason,
		nullTime(task.StartedAt), nullTime(task.CompletedAt), transitions, task.ID}
	args = append(args, extra...)
	result, err := s.exec(ctx, taskUpdate+cond, args...)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", task.ID, err)
	}
	return result, nil
}

// UpdateTask writes a task's mutable fields
func (s *sqlStore) UpdateTask(ctx context.Context, task *models.Task) error {
	result, err := s.updateTask(ctx, task, "")
	if err != nil {
		return err
	}
	return requireAffected(result, ErrTaskNotFound)
}

// UpdateTaskIf writes the task only if its stored status equals expected
func (s *sqlStore) UpdateTaskIf(ctx context.Context, task *models.Task, expected models.TaskStatus) error {
	result, err := s.updateTask(ctx, task, " AND status = ?", string(expected))
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, task.ID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

// ListTasks returns matching tasks in creation order
func (s *sqlStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []interface{}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.NodeID != "" {
		conds = append(conds, "assigned_node_id = ?")
		args = append(args, filter.NodeID)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY seq"
	if filter.Limit > 0 {
		q += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*models.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// FindNextPending returns the oldest pending task
func (s *sqlStore) FindNextPending(ctx context.Context) (*models.Task, error) {
	tasks, err := s.ListTasks(ctx, TaskFilter{Status: models.TaskStatusPending, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrTaskNotFound
	}
	return tasks[0], nil
}

// FindTasksByNode returns every task assigned to the node
func (s *sqlStore) FindTasksByNode(ctx context.Context, nodeID string) ([]*models.Task, error) {
	return s.ListTasks(ctx, TaskFilter{NodeID: nodeID})
}

// CountTasksByStatus returns task counts grouped by status
func (s *sqlStore) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// Proof operations

const proofColumns = `seq, id, task_id, node_id, energy_used_wh, solar_contribution_wh,
	carbon_saved_kg, hash, previous_hash, created_at`

func scanProof(row rowScanner) (*models.GreenProof, error) {
	var p models.GreenProof
	err := row.Scan(&p.Sequence, &p.ID, &p.TaskID, &p.NodeID, &p.Energy.EnergyUsedWh,
		&p.Energy.SolarContributionWh, &p.Energy.CarbonSavedKg, &p.Hash, &p.PreviousHash,
		&p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AppendProof inserts proof as the new chain head
func (s *sqlStore) AppendProof(ctx context.Context, proof *models.GreenProof) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var headHash string
	headSeq := int64(-1)
	err = tx.QueryRowContext(ctx, `SELECT seq, hash FROM proofs ORDER BY seq DESC LIMIT 1`).Scan(&headSeq, &headHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read chain head: %w", err)
	}
	if proof.PreviousHash != headHash {
		return ErrChainHeadMoved
	}

	seq := headSeq + 1
	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO proofs (`+proofColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), seq, proof.ID, proof.TaskID, proof.NodeID, proof.Energy.EnergyUsedWh,
		proof.Energy.SolarContributionWh, proof.Energy.CarbonSavedKg, proof.Hash,
		proof.PreviousHash, proof.CreatedAt)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return ErrChainHeadMoved
		}
		return fmt.Errorf("insert proof: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if s.dialect.isUniqueViolation(err) {
			return ErrChainHeadMoved
		}
		return fmt.Errorf("commit proof: %w", err)
	}
	proof.Sequence = seq
	return nil
}

// LatestProof returns the chain head
func (s *sqlStore) LatestProof(ctx context.Context) (*models.GreenProof, error) {
	p, err := scanProof(s.queryRow(ctx, `SELECT `+proofColumns+` FROM proofs ORDER BY seq DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProofNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest proof: %w", err)
	}
	return p, nil
}

// ListProofs returns a page of proofs in creation order
func (s *sqlStore) ListProofs(ctx context.Context, limit, offset int) ([]*models.GreenProof, error) {
	if offset < 0 {
		offset = 0
	}
	q := `SELECT ` + proofColumns + ` FROM proofs WHERE seq >= ? ORDER BY seq`
	if limit > 0 {
		q += " LIMIT " + strconv.Itoa(limit)
	}
	rows, err := s.query(ctx, q, offset)
	if err != nil {
		return nil, fmt.Errorf("list proofs: %w", err)
	}
	defer rows.Close()

	proofs := make([]*models.GreenProof, 0)
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proof: %w", err)
		}
		proofs = append(proofs, p)
	}
	return proofs, rows.Err()
}

// ScanProofs walks the chain page by page so fn may use the store
func (s *sqlStore) ScanProofs(ctx context.Context, fn func(*models.GreenProof) error) error {
	for offset := 0; ; offset += scanPageSize {
		page, err := s.ListProofs(ctx, scanPageSize, offset)
		if err != nil {
			return err
		}
		for _, p := range page {
			if err := fn(p); err != nil {
				return err
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
	}
}

// GetProofByTask returns the first proof recorded for a task
func (s *sqlStore) GetProofByTask(ctx context.Context, taskID string) (*models.GreenProof, error) {
	p, err := scanProof(s.queryRow(ctx,
		`SELECT `+proofColumns+` FROM proofs WHERE task_id = ? ORDER BY seq LIMIT 1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProofNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proof for task %s: %w", taskID, err)
	}
	return p, nil
}

// CountProofs returns the chain length
func (s *sqlStore) CountProofs(ctx context.Context) (int, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM proofs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count proofs: %w", err)
	}
	return n, nil
}

// Credit operations

const creditColumns = `id, node_id, task_id, proof_id, kg_co2, euro_value, status,
	node_share_eur, cooperative_share_eur, created_at, confirmed_at, redeemed_at`

func scanCredit(row rowScanner) (*models.CarbonCredit, error) {
	var c models.CarbonCredit
	var status string
	var confirmedAt, redeemedAt sql.NullTime
	err := row.Scan(&c.ID, &c.NodeID, &c.TaskID, &c.ProofID, &c.KgCO2, &c.EuroValue, &status,
		&c.NodeShareEUR, &c.CooperativeShareEUR, &c.CreatedAt, &confirmedAt, &redeemedAt)
	if err != nil {
		return nil, err
	}
	c.Status = models.CreditStatus(status)
	if confirmedAt.Valid {
		t := confirmedAt.Time
		c.ConfirmedAt = &t
	}
	if redeemedAt.Valid {
		t := redeemedAt.Time
		c.RedeemedAt = &t
	}
	return &c, nil
}

// IssueCredit inserts the credit and bumps node counters and the fund in one transaction
func (s *sqlStore) IssueCredit(ctx context.Context, credit *models.CarbonCredit, energySavedWh float64) (*models.CarbonCredit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanCredit(tx.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+creditColumns+` FROM credits WHERE proof_id = ?`), credit.ProofID))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("lookup credit for proof %s: %w", credit.ProofID, err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq) + 1, 0) FROM credits`).Scan(&seq); err != nil {
		return nil, false, fmt.Errorf("next credit sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO credits (seq, `+creditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), seq, credit.ID, credit.NodeID, credit.TaskID, credit.ProofID, credit.KgCO2, credit.EuroValue,
		string(credit.Status), credit.NodeShareEUR, credit.CooperativeShareEUR, credit.CreatedAt,
		nullTime(credit.ConfirmedAt), nullTime(credit.RedeemedAt))
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			tx.Rollback()
			existing, gerr := s.GetCreditByProof(ctx, credit.ProofID)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert credit: %w", err)
	}

	energy := energySavedWh
	if energy < 0 {
		energy = 0
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`
		UPDATE nodes
		SET total_energy_saved_wh = total_energy_saved_wh + ?,
		    total_carbon_credits = total_carbon_credits + ?
		WHERE id = ?
	`), energy, credit.KgCO2, credit.NodeID); err != nil {
		return nil, false, fmt.Errorf("update node counters: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`UPDATE cooperative_fund SET total_eur = total_eur + ? WHERE id = 1`),
		credit.CooperativeShareEUR); err != nil {
		return nil, false, fmt.Errorf("update cooperative fund: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit credit: %w", err)
	}
	return credit, true, nil
}

// GetCredit retrieves a credit by ID
func (s *sqlStore) GetCredit(ctx context.Context, id string) (*models.CarbonCredit, error) {
	c, err := scanCredit(s.queryRow(ctx, `SELECT `+creditColumns+` FROM credits WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCreditNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credit %s: %w", id, err)
	}
	return c, nil
}

// GetCreditByProof retrieves the credit issued for a proof
func (s *sqlStore) GetCreditByProof(ctx context.Context, proofID string) (*models.CarbonCredit, error) {
	c, err := scanCredit(s.queryRow(ctx, `SELECT `+creditColumns+` FROM credits WHERE proof_id = ?`, proofID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCreditNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credit for proof %s: %w", proofID, err)
	}
	return c, nil
}

// UpdateCreditStatus writes status fields if the stored status equals expected
func (s *sqlStore) UpdateCreditStatus(ctx context.Context, credit *models.CarbonCredit, expected models.CreditStatus) error {
	result, err := s.exec(ctx, `
		UPDATE credits SET status = ?, confirmed_at = ?, redeemed_at = ?
		WHERE id = ? AND status = ?
	`, string(credit.Status), nullTime(credit.ConfirmedAt), nullTime(credit.RedeemedAt),
		credit.ID, string(expected))
	if err != nil {
		return fmt.Errorf("update credit %s: %w", credit.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetCredit(ctx, credit.ID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *sqlStore) listCredits(ctx context.Context, where string, args ...interface{}) ([]*models.CarbonCredit, error) {
	rows, err := s.query(ctx, `SELECT `+creditColumns+` FROM credits`+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("list credits: %w", err)
	}
	defer rows.Close()

	credits := make([]*models.CarbonCredit, 0)
	for rows.Next() {
		c, err := scanCredit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credit: %w", err)
		}
		credits = append(credits, c)
	}
	return credits, rows.Err()
}

// ListCreditsByNode returns a node's credits
func (s *sqlStore) ListCreditsByNode(ctx context.Context, nodeID string) ([]*models.CarbonCredit, error) {
	return s.listCredits(ctx, ` WHERE node_id = ?`, nodeID)
}

// ListCredits returns every credit
func (s *sqlStore) ListCredits(ctx context.Context) ([]*models.CarbonCredit, error) {
	return s.listCredits(ctx, "")
}

// CooperativeFund returns the fund accumulator
func (s *sqlStore) CooperativeFund(ctx context.Context) (float64, error) {
	var total float64
	if err := s.queryRow(ctx, `SELECT total_eur FROM cooperative_fund WHERE id = 1`).Scan(&total); err != nil {
		return 0, fmt.Errorf("read cooperative fund: %w", err)
	}
	return total, nil
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database connection is healthy
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func requireAffected(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
