package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/koprogo/greengrid/pkg/auth"
	"github.com/koprogo/greengrid/pkg/events"
	"github.com/koprogo/greengrid/pkg/griderr"
	"github.com/koprogo/greengrid/pkg/ledger"
	"github.com/koprogo/greengrid/pkg/logging"
	"github.com/koprogo/greengrid/pkg/models"
	"github.com/koprogo/greengrid/pkg/registry"
	"github.com/koprogo/greengrid/pkg/scheduler"
	"github.com/koprogo/greengrid/pkg/store"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// Deps are the components the handlers call into
type Deps struct {
	Registry    *registry.Registry
	Distributor *scheduler.Distributor
	Tasks       *scheduler.TaskManager
	Proofs      *ledger.ProofLedger
	Credits     *ledger.CreditLedger
	Bus         *events.Bus
	Tokens      *auth.TokenManager // issues node tokens on registration when set
	Health      func(*http.Request) error
}

// GridHandler serves the coordinator HTTP API
type GridHandler struct {
	deps      Deps
	logger    *logging.Logger
	startTime time.Time
}

// NewGridHandler creates the API handlers
func NewGridHandler(deps Deps, logger *logging.Logger) *GridHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &GridHandler{
		deps:      deps,
		logger:    logger.WithField("component", "api"),
		startTime: time.Now(),
	}
}

// RegisterRoutes registers all API routes. node wraps the routes a node
// calls for itself, operator the rest; either may be nil.
func (h *GridHandler) RegisterRoutes(r *mux.Router, node, operator func(http.Handler) http.Handler) {
	if node == nil {
		node = passthrough
	}
	if operator == nil {
		operator = passthrough
	}
	route := func(path, method, name string, wrap func(http.Handler) http.Handler, fn http.HandlerFunc) {
		r.Handle(path, wrap(fn)).Methods(method).Name(name)
	}

	// Node routes (specific paths before parameterized ones)
	route("/nodes/register", "POST", "register_node", operator, h.RegisterNode)
	route("/nodes/active", "GET", "list_active_nodes", operator, h.ListActiveNodes)
	route("/nodes", "GET", "list_nodes", operator, h.ListNodes)
	route("/nodes/{id}", "GET", "get_node", operator, h.GetNode)
	route("/nodes/{id}", "DELETE", "remove_node", operator, h.RemoveNode)
	route("/nodes/{id}/heartbeat", "POST", "node_heartbeat", node, h.NodeHeartbeat)
	route("/nodes/{id}/idle", "POST", "node_idle", node, h.SetNodeIdle)
	route("/nodes/{id}/credits", "GET", "node_credits", node, h.NodeCredits)

	// Task routes
	route("/tasks/next", "GET", "next_task", node, h.NextTask)
	route("/tasks", "POST", "create_task", operator, h.CreateTask)
	route("/tasks", "GET", "list_tasks", operator, h.ListTasks)
	route("/tasks/{id}", "GET", "get_task", node, h.GetTask)
	route("/tasks/{id}/assign", "POST", "assign_task", operator, h.AssignTask)
	route("/tasks/{id}/start", "POST", "start_task", node, h.StartTask)
	route("/tasks/{id}/report", "POST", "report_task", node, h.ReportTask)
	route("/tasks/{id}/fail", "POST", "fail_task", node, h.FailTask)
	route("/rebalance", "POST", "rebalance", operator, h.Rebalance)

	// Ledger routes
	route("/proofs", "GET", "list_proofs", operator, h.ListProofs)
	route("/proofs/latest", "GET", "latest_proof", operator, h.LatestProof)
	route("/proofs/verify", "GET", "verify_chain", operator, h.VerifyChain)
	route("/credits/{id}", "GET", "get_credit", operator, h.GetCredit)
	route("/credits/{id}/confirm", "POST", "confirm_credit", operator, h.ConfirmCredit)
	route("/credits/{id}/redeem", "POST", "redeem_credit", operator, h.RedeemCredit)
	route("/fund", "GET", "fund", operator, h.Fund)

	// Other routes
	route("/stats", "GET", "stats", operator, h.Stats)
	route("/events", "GET", "events", operator, h.Events)
	r.HandleFunc("/health", h.HealthCheck).Methods("GET").Name("health")
}

func passthrough(next http.Handler) http.Handler { return next }

// RegisterNode handles node registration
func (h *GridHandler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	const op = "api.RegisterNode"
	var reg models.NodeRegistration
	if err := decode(r, &reg); err != nil {
		h.writeError(w, r, griderr.E(op, griderr.InvalidInput, err))
		return
	}
	node, err := h.deps.Registry.Register(r.Context(), reg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	creds := models.NodeCredentials{Node: node}
	if h.deps.Tokens != nil {
		token, err := h.deps.Tokens.GenerateToken(node.ID)
		if err != nil {
			h.writeError(w, r, griderr.E(op, griderr.Internal, err))
			return
		}
		creds.Token = token
	}
	writeJSON(w, http.StatusCreated, creds)
}

// ListNodes returns every registered node
func (h *GridHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.deps.Registry.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes, "count": len(nodes)})
}

// ListActiveNodes returns live nodes, best eco score first
func (h *GridHandler) ListActiveNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.deps.Registry.ListActive(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes, "count": len(nodes)})
}

// GetNode returns one node
func (h *GridHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	node, err := h.deps.Registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// RemoveNode deletes a node without in-flight tasks
func (h *GridHandler) RemoveNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.deps.Registry.Remove(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.deps.Tokens != nil {
		h.deps.Tokens.RevokeToken(id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "node_id": id})
}

// NodeHeartbeat records a node's live metrics
func (h *GridHandler) NodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeFromPath(w, r)
	if !ok {
		return
	}
	var hb models.NodeHeartbeat
	if err := decode(r, &hb); err != nil {
		h.writeError(w, r, griderr.E("api.NodeHeartbeat", griderr.InvalidInput, err))
		return
	}
	node, err := h.deps.Registry.Heartbeat(r.Context(), id, hb)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// SetNodeIdle pauses a node until its next heartbeat
func (h *GridHandler) SetNodeIdle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeFromPath(w, r)
	if !ok {
		return
	}
	node, err := h.deps.Registry.SetIdle(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// NodeCredits returns a node's credit totals
func (h *GridHandler) NodeCredits(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeFromPath(w, r)
	if !ok {
		return
	}
	if _, err := h.deps.Registry.Get(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	stats, err := h.deps.Credits.NodeStats(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	credits, err := h.deps.Credits.ListByNode(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stats": stats, "credits": credits})
}

// createTaskRequest adds the immediate-assign switch to a task request
type createTaskRequest struct {
	models.TaskRequest
	Assign bool `json:"assign"`
}

// CreateTask submits a task, optionally assigning it straight away
func (h *GridHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, griderr.E("api.CreateTask", griderr.InvalidInput, err))
		return
	}
	task, err := h.deps.Tasks.Create(r.Context(), req.TaskRequest, req.Assign)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// ListTasks lists tasks, filtered by status, node_id and limit
func (h *GridHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	const op = "api.ListTasks"
	q := r.URL.Query()
	var filter store.TaskFilter
	if s := q.Get("status"); s != "" {
		status, err := models.ParseTaskStatus(s)
		if err != nil {
			h.writeError(w, r, griderr.E(op, griderr.InvalidInput, err))
			return
		}
		filter.Status = status
	}
	filter.NodeID = q.Get("node_id")
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, r, badRequest(op, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}

	tasks, err := h.deps.Tasks.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}

// NextTask hands a polling node its next task; 404 when there is none
func (h *GridHandler) NextTask(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		nodeID = auth.NodeIDFromContext(r.Context())
	}
	if nodeID == "" {
		h.writeError(w, r, badRequest("api.NextTask", "node_id is required"))
		return
	}
	if !h.authorizedFor(w, r, nodeID) {
		return
	}
	task, err := h.deps.Distributor.NextTaskForNode(r.Context(), nodeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// GetTask returns one task
func (h *GridHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.deps.Tasks.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// AssignTask hands a pending task to the best node
func (h *GridHandler) AssignTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	nodeID, err := h.deps.Distributor.AssignTask(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "node_id": nodeID})
}

type nodeRequest struct {
	NodeID string `json:"node_id"`
}

// StartTask marks an assigned task as running
func (h *GridHandler) StartTask(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := decodeOptional(r, &req); err != nil {
		h.writeError(w, r, griderr.E("api.StartTask", griderr.InvalidInput, err))
		return
	}
	nodeID, ok := h.resolveNode(w, r, req.NodeID)
	if !ok {
		return
	}
	task, err := h.deps.Tasks.Start(r.Context(), mux.Vars(r)["id"], nodeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type reportRequest struct {
	NodeID string `json:"node_id"`
	models.TaskReport
}

// ReportTask records a task result, its green proof and carbon credit.
// A completion whose credit could not be issued yet is answered with 202.
func (h *GridHandler) ReportTask(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, griderr.E("api.ReportTask", griderr.InvalidInput, err))
		return
	}
	nodeID, ok := h.resolveNode(w, r, req.NodeID)
	if !ok {
		return
	}
	result, err := h.deps.Tasks.Complete(r.Context(), mux.Vars(r)["id"], nodeID, req.TaskReport)
	if err != nil {
		if result != nil {
			h.logger.Warn("Task completed without credit", logging.Fields{"task_id": result.Task.ID, "error": err})
			writeJSON(w, http.StatusAccepted, result)
			return
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type failRequest struct {
	Reason string `json:"reason"`
}

// FailTask moves a task to failed
func (h *GridHandler) FailTask(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeOptional(r, &req); err != nil {
		h.writeError(w, r, griderr.E("api.FailTask", griderr.InvalidInput, err))
		return
	}
	id := mux.Vars(r)["id"]
	if caller := auth.NodeIDFromContext(r.Context()); caller != "" {
		task, err := h.deps.Tasks.Get(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if task.AssignedNodeID != caller {
			forbidden(w, "task is not assigned to this node")
			return
		}
	}
	task, err := h.deps.Tasks.Fail(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Rebalance runs one rebalance pass
func (h *GridHandler) Rebalance(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Distributor.Rebalance(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListProofs pages through the proof chain, oldest first
func (h *GridHandler) ListProofs(w http.ResponseWriter, r *http.Request) {
	const op = "api.ListProofs"
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		h.writeError(w, r, griderr.E(op, griderr.InvalidInput, err))
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		h.writeError(w, r, griderr.E(op, griderr.InvalidInput, err))
		return
	}
	proofs, err := h.deps.Proofs.List(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"proofs": proofs, "count": len(proofs)})
}

// LatestProof returns the chain head
func (h *GridHandler) LatestProof(w http.ResponseWriter, r *http.Request) {
	proof, err := h.deps.Proofs.Latest(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

// VerifyResponse reports a successful chain verification
type VerifyResponse struct {
	Valid  bool `json:"valid"`
	Length int  `json:"length"`
}

// VerifyChain recomputes every link of the proof chain
func (h *GridHandler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Proofs.Verify(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	n, err := h.deps.Proofs.Count(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Valid: true, Length: n})
}

// GetCredit returns one credit
func (h *GridHandler) GetCredit(w http.ResponseWriter, r *http.Request) {
	credit, err := h.deps.Credits.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, credit)
}

// ConfirmCredit moves a pending credit to confirmed
func (h *GridHandler) ConfirmCredit(w http.ResponseWriter, r *http.Request) {
	credit, err := h.deps.Credits.Confirm(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, credit)
}

// RedeemCredit moves a confirmed credit to redeemed
func (h *GridHandler) RedeemCredit(w http.ResponseWriter, r *http.Request) {
	credit, err := h.deps.Credits.Redeem(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, credit)
}

// FundResponse is the cooperative fund balance with its audit
type FundResponse struct {
	BalanceEUR float64           `json:"balance_eur"`
	Audit      *ledger.FundAudit `json:"audit"`
}

// Fund returns the cooperative fund balance
func (h *GridHandler) Fund(w http.ResponseWriter, r *http.Request) {
	audit, err := h.deps.Credits.AuditFund(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !audit.Balanced {
		h.logger.Error("Cooperative fund does not match issued credits", logging.Fields{
			"accumulated_eur":   audit.Accumulated,
			"sum_of_shares_eur": audit.SumOfShares,
		})
	}
	writeJSON(w, http.StatusOK, FundResponse{BalanceEUR: audit.Accumulated, Audit: audit})
}

// StatsResponse is the grid overview
type StatsResponse struct {
	Nodes           *registry.Stats           `json:"nodes"`
	Tasks           map[models.TaskStatus]int `json:"tasks"`
	Proofs          int                       `json:"proofs"`
	CooperativeFund float64                   `json:"cooperative_fund_eur"`
	UptimeSeconds   float64                   `json:"uptime_seconds"`
}

// Stats returns node, task and ledger totals
func (h *GridHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	nodes, err := h.deps.Registry.Stats(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tasks, err := h.deps.Tasks.Counts(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	proofs, err := h.deps.Proofs.Count(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	fund, err := h.deps.Credits.CooperativeFund(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Nodes:           nodes,
		Tasks:           tasks,
		Proofs:          proofs,
		CooperativeFund: fund,
		UptimeSeconds:   time.Since(h.startTime).Seconds(),
	})
}

// HealthCheck reports liveness and, when configured, store health
func (h *GridHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health != nil {
		if err := h.deps.Health(r); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// nodeFromPath returns the {id} variable, refusing callers authenticated
// as a different node
func (h *GridHandler) nodeFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	return id, h.authorizedFor(w, r, id)
}

// resolveNode picks the acting node from the body or the node token
func (h *GridHandler) resolveNode(w http.ResponseWriter, r *http.Request, fromBody string) (string, bool) {
	caller := auth.NodeIDFromContext(r.Context())
	if fromBody == "" {
		return caller, true
	}
	return fromBody, h.authorizedFor(w, r, fromBody)
}

func (h *GridHandler) authorizedFor(w http.ResponseWriter, r *http.Request, nodeID string) bool {
	caller := auth.NodeIDFromContext(r.Context())
	if caller != "" && caller != nodeID {
		forbidden(w, "node token does not match node "+nodeID)
		return false
	}
	return true
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// decodeOptional accepts an empty body
func decodeOptional(r *http.Request, v interface{}) error {
	if err := decode(r, v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, griderr.Errorf("api.intParam", griderr.InvalidInput, "%s must be an integer", name)
	}
	return n, nil
}
