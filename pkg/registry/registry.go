package registry

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/koprogo/greengrid/pkg/events"
	"github.com/koprogo/greengrid/pkg/griderr"
	"github.com/koprogo/greengrid/pkg/logging"
	"github.com/koprogo/greengrid/pkg/models"
	"github.com/koprogo/greengrid/pkg/store"
)

// Config holds registry settings
type Config struct {
	LivenessWindow time.Duration
	Now            func() time.Time
}

// DefaultConfig returns the grid defaults
func DefaultConfig() Config {
	return Config{
		LivenessWindow: models.LivenessWindow,
		Now:            time.Now,
	}
}

// Registry tracks compute nodes, their live metrics and eco scores
type Registry struct {
	nodes  store.NodeRepository
	tasks  store.TaskRepository
	config Config
	logger *logging.Logger
	events events.Publisher
}

// New creates a registry. tasks is consulted before removing a node.
func New(nodes store.NodeRepository, tasks store.TaskRepository, config Config, logger *logging.Logger) *Registry {
	if config.LivenessWindow <= 0 {
		config.LivenessWindow = models.LivenessWindow
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		nodes:  nodes,
		tasks:  tasks,
		config: config,
		logger: logger.WithField("component", "registry"),
	}
}

// SetEventPublisher attaches an event sink
func (r *Registry) SetEventPublisher(p events.Publisher) {
	r.events = p
}

// LivenessWindow returns the configured heartbeat window
func (r *Registry) LivenessWindow() time.Duration {
	return r.config.LivenessWindow
}

// Register admits a new node. It starts active with a zero eco score and a
// heartbeat at registration time.
func (r *Registry) Register(ctx context.Context, reg models.NodeRegistration) (*models.Node, error) {
	const op = "registry.Register"
	if err := reg.Validate(); err != nil {
		return nil, griderr.E(op, griderr.InvalidInput, err)
	}

	now := r.config.Now()
	node := &models.Node{
		ID:            uuid.New().String(),
		Name:          reg.Name,
		CPUCores:      reg.CPUCores,
		HasSolar:      reg.HasSolar,
		Location:      reg.Location,
		Status:        models.NodeStatusActive,
		LastHeartbeat: now,
		RegisteredAt:  now,
		UpdatedAt:     now,
	}
	if err := r.nodes.CreateNode(ctx, node); err != nil {
		return nil, store.AsGridError(op, err)
	}

	r.logger.Info("Node registered", logging.Fields{
		"node_id":   node.ID,
		"name":      node.Name,
		"cpu_cores": node.CPUCores,
		"has_solar": node.HasSolar,
		"location":  node.Location,
	})
	events.Publish(r.events, events.NodeRegistered, node)
	return node, nil
}

// Heartbeat records live metrics, recomputes the eco score and marks the node active
func (r *Registry) Heartbeat(ctx context.Context, nodeID string, hb models.NodeHeartbeat) (*models.Node, error) {
	const op = "registry.Heartbeat"
	node, err := r.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return nil, store.AsGridError(op, err)
	}

	wasOffline := node.Status == models.NodeStatusOffline
	node.ApplyHeartbeat(hb, r.config.Now())
	if err := r.nodes.UpdateNode(ctx, node); err != nil {
		return nil, store.AsGridError(op, err)
	}

	if wasOffline {
		r.logger.Info("Node back online", logging.Fields{"node_id": node.ID})
	}
	r.logger.Debug("Heartbeat", logging.Fields{
		"node_id":     node.ID,
		"cpu_usage":   hb.CPUUsagePercent,
		"solar_watts": hb.SolarWatts,
		"eco_score":   node.EcoScore,
	})
	return node, nil
}

// Get returns a node by ID
func (r *Registry) Get(ctx context.Context, nodeID string) (*models.Node, error) {
	node, err := r.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return nil, store.AsGridError("registry.Get", err)
	}
	return node, nil
}

// List returns every node in registration order
func (r *Registry) List(ctx context.Context) ([]*models.Node, error) {
	nodes, err := r.nodes.ListNodes(ctx)
	if err != nil {
		return nil, store.AsGridError("registry.List", err)
	}
	return nodes, nil
}

// ListActive returns nodes that can receive work, best eco score first.
// Ties go to the node that registered earliest.
func (r *Registry) ListActive(ctx context.Context) ([]*models.Node, error) {
	nodes, err := r.nodes.ListNodes(ctx)
	if err != nil {
		return nil, store.AsGridError("registry.ListActive", err)
	}

	now := r.config.Now()
	active := make([]*models.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.IsLive(now, r.config.LivenessWindow) {
			active = append(active, n)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].EcoScore != active[j].EcoScore {
			return active[i].EcoScore > active[j].EcoScore
		}
		return active[i].Sequence < active[j].Sequence
	})
	return active, nil
}

// MarkStale flips nodes whose heartbeat is outside the liveness window to
// offline and returns how many changed. Per-node failures are logged and
// skipped.
func (r *Registry) MarkStale(ctx context.Context) (int, error) {
	nodes, err := r.nodes.ListNodes(ctx)
	if err != nil {
		return 0, store.AsGridError("registry.MarkStale", err)
	}

	now := r.config.Now()
	cutoff := now.Add(-r.config.LivenessWindow)
	marked := 0
	for _, n := range nodes {
		if n.Status == models.NodeStatusOffline || !n.IsStale(now, r.config.LivenessWindow) {
			continue
		}
		changed, err := r.nodes.MarkNodeOffline(ctx, n.ID, cutoff)
		if err != nil {
			r.logger.Warn("Failed to mark node offline", logging.Fields{"node_id": n.ID, "error": err})
			continue
		}
		if changed {
			marked++
			r.logger.Warn("Node marked offline", logging.Fields{
				"node_id":        n.ID,
				"last_heartbeat": n.LastHeartbeat.Format(time.RFC3339),
			})
			events.Publish(r.events, events.NodeOffline, map[string]string{"node_id": n.ID})
		}
	}
	return marked, nil
}

// SetIdle pauses a node so it receives no new work until its next heartbeat
func (r *Registry) SetIdle(ctx context.Context, nodeID string) (*models.Node, error) {
	const op = "registry.SetIdle"
	node, err := r.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return nil, store.AsGridError(op, err)
	}
	if node.Status == models.NodeStatusOffline {
		return nil, griderr.Errorf(op, griderr.InvalidTransition, "node %s is offline", nodeID)
	}
	node.Status = models.NodeStatusIdle
	node.UpdatedAt = r.config.Now()
	if err := r.nodes.UpdateNode(ctx, node); err != nil {
		return nil, store.AsGridError(op, err)
	}
	r.logger.Info("Node idle", logging.Fields{"node_id": nodeID})
	return node, nil
}

// Remove deletes a node that holds no assigned or running tasks. The check
// and the delete are not atomic with assignment: a task assigned in between
// is left on a node that no longer exists, and Distributor.Rebalance moves
// it like a task on an offline node.
func (r *Registry) Remove(ctx context.Context, nodeID string) error {
	const op = "registry.Remove"
	if _, err := r.nodes.GetNode(ctx, nodeID); err != nil {
		return store.AsGridError(op, err)
	}

	tasks, err := r.tasks.FindTasksByNode(ctx, nodeID)
	if err != nil {
		return store.AsGridError(op, err)
	}
	for _, t := range tasks {
		if models.IsInFlight(t.Status) {
			return griderr.Errorf(op, griderr.InvalidTransition,
				"node %s still owns %s task %s", nodeID, t.Status, t.ID)
		}
	}

	if err := r.nodes.DeleteNode(ctx, nodeID); err != nil {
		return store.AsGridError(op, err)
	}
	r.logger.Info("Node removed", logging.Fields{"node_id": nodeID})
	events.Publish(r.events, events.NodeRemoved, map[string]string{"node_id": nodeID})
	return nil
}

// Stats summarizes the node population
type Stats struct {
	TotalNodes         int     `json:"total_nodes"`
	ActiveNodes        int     `json:"active_nodes"`
	IdleNodes          int     `json:"idle_nodes"`
	OfflineNodes       int     `json:"offline_nodes"`
	SolarNodes         int     `json:"solar_nodes"`
	TotalCPUCores      int     `json:"total_cpu_cores"`
	TotalEnergySavedWh float64 `json:"total_energy_saved_wh"`
	TotalCarbonKg      float64 `json:"total_carbon_credits_kg"`
	MeanEcoScore       float64 `json:"mean_eco_score"` // over live nodes
}

// Stats computes node population statistics
func (r *Registry) Stats(ctx context.Context) (*Stats, error) {
	nodes, err := r.nodes.ListNodes(ctx)
	if err != nil {
		return nil, store.AsGridError("registry.Stats", err)
	}

	now := r.config.Now()
	s := &Stats{TotalNodes: len(nodes)}
	var eco []float64
	for _, n := range nodes {
		switch {
		case n.IsLive(now, r.config.LivenessWindow):
			s.ActiveNodes++
			eco = append(eco, n.EcoScore)
		case n.Status == models.NodeStatusIdle && !n.IsStale(now, r.config.LivenessWindow):
			s.IdleNodes++
		default:
			s.OfflineNodes++
		}
		if n.HasSolar {
			s.SolarNodes++
		}
		s.TotalCPUCores += n.CPUCores
		s.TotalEnergySavedWh += n.TotalEnergySavedWh
		s.TotalCarbonKg += n.TotalCarbonCredits
	}
	if len(eco) > 0 {
		s.MeanEcoScore = stat.Mean(eco, nil)
	}
	return s, nil
}
