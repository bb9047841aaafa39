package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/koprogo/greengrid/pkg/griderr"
	"github.com/koprogo/greengrid/pkg/logging"
	"github.com/koprogo/greengrid/pkg/models"
)

// CleanupConfig defines retention policies and cleanup intervals
type CleanupConfig struct {
	Enabled         bool          `yaml:"enabled"`
	NodeRetention   time.Duration `yaml:"node_retention"`   // how long an offline node is kept
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // how often the pass runs
}

// DefaultConfig returns sensible defaults for cleanup
func DefaultConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:         true,
		NodeRetention:   7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Nodes is the part of the registry the cleanup pass needs
type Nodes interface {
	List(ctx context.Context) ([]*models.Node, error)
	Remove(ctx context.Context, nodeID string) error
}

// Tokens is the node credential store
type Tokens interface {
	RevokeToken(nodeID string)
	CleanupExpiredTokens() int
}

// CleanupStats tracks cleanup operations
type CleanupStats struct {
	LastCleanupTime     time.Time     `json:"last_cleanup_time"`
	LastCleanupDuration time.Duration `json:"last_cleanup_duration"`
	TotalNodesPruned    int64         `json:"total_nodes_pruned"`
	TotalTokensPurged   int64         `json:"total_tokens_purged"`
	Runs                int64         `json:"runs"`
}

// CleanupManager prunes nodes that stayed offline past the retention window
// and purges expired node tokens
type CleanupManager struct {
	config CleanupConfig
	nodes  Nodes
	tokens Tokens
	now    func() time.Time
	logger *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats CleanupStats
}

// NewCleanupManager creates a new cleanup manager. tokens may be nil.
func NewCleanupManager(config CleanupConfig, nodes Nodes, tokens Tokens, logger *logging.Logger) *CleanupManager {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &CleanupManager{
		config: config,
		nodes:  nodes,
		tokens: tokens,
		now:    time.Now,
		logger: logger.WithField("component", "cleanup"),
	}
}

// Start begins the automatic cleanup process
func (cm *CleanupManager) Start(ctx context.Context) {
	if !cm.config.Enabled {
		cm.logger.Info("Cleanup manager disabled")
		return
	}

	cm.logger.Info("Starting cleanup manager", logging.Fields{
		"node_retention": cm.config.NodeRetention.String(),
		"interval":       cm.config.CleanupInterval.String(),
	})

	ctx, cm.cancel = context.WithCancel(ctx)
	cm.wg.Add(1)
	go cm.cleanupLoop(ctx)
}

// Stop gracefully stops the cleanup manager
func (cm *CleanupManager) Stop() {
	if cm.cancel == nil {
		return
	}
	cm.cancel()
	cm.wg.Wait()
	cm.logger.Info("Cleanup manager stopped")
}

func (cm *CleanupManager) cleanupLoop(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.CleanupNow(ctx)
		}
	}
}

// CleanupNow runs one pass and returns the number of nodes pruned
func (cm *CleanupManager) CleanupNow(ctx context.Context) int {
	start := cm.now()
	pruned := 0
	if cm.config.NodeRetention > 0 {
		pruned = cm.pruneNodes(ctx, start.Add(-cm.config.NodeRetention))
	}

	purged := 0
	if cm.tokens != nil {
		purged = cm.tokens.CleanupExpiredTokens()
	}

	duration := cm.now().Sub(start)
	cm.mu.Lock()
	cm.stats.LastCleanupTime = start
	cm.stats.LastCleanupDuration = duration
	cm.stats.TotalNodesPruned += int64(pruned)
	cm.stats.TotalTokensPurged += int64(purged)
	cm.stats.Runs++
	cm.mu.Unlock()

	if pruned+purged > 0 {
		cm.logger.Info("Cleanup complete", logging.Fields{
			"nodes_pruned":  pruned,
			"tokens_purged": purged,
			"duration":      duration.String(),
		})
	}
	return pruned
}

func (cm *CleanupManager) pruneNodes(ctx context.Context, cutoff time.Time) int {
	nodes, err := cm.nodes.List(ctx)
	if err != nil {
		cm.logger.Warn("Cleanup: failed to list nodes", logging.Fields{"error": err})
		return 0
	}

	pruned := 0
	for _, n := range nodes {
		if n.Status != models.NodeStatusOffline || !n.LastHeartbeat.Before(cutoff) {
			continue
		}
		if err := cm.nodes.Remove(ctx, n.ID); err != nil {
			// still owns work, the distributor will release it first
			if griderr.Is(err, griderr.InvalidTransition) {
				cm.logger.Debug("Cleanup: node still owns tasks", logging.Fields{"node_id": n.ID})
			} else {
				cm.logger.Warn("Cleanup: failed to remove node", logging.Fields{"node_id": n.ID, "error": err})
			}
			continue
		}
		if cm.tokens != nil {
			cm.tokens.RevokeToken(n.ID)
		}
		pruned++
	}
	return pruned
}

// GetStats returns current cleanup statistics
func (cm *CleanupManager) GetStats() CleanupStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}
