package agent

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/koprogo/greengrid/pkg/logging"
	"github.com/koprogo/greengrid/pkg/models"
)

// Config holds node agent settings
type Config struct {
	Registration      models.NodeRegistration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
}

// DefaultConfig returns the agent defaults
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		PollInterval:      10 * time.Second,
	}
}

// Agent runs a node: it registers if needed, heartbeats on a ticker and
// polls for one task at a time, executing and reporting it.
type Agent struct {
	client   *Client
	config   Config
	cpu      CPUSampler
	solar    SolarSource
	executor Executor
	logger   *logging.Logger

	mu        sync.Mutex
	lastSolar float64
	completed int
	failed    int
}

// New creates an agent. cpu and solar fall back to a host sampler and
// zero production.
func New(client *Client, config Config, cpu CPUSampler, solar SolarSource, executor Executor, logger *logging.Logger) *Agent {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Second
	}
	if cpu == nil {
		cpu = HostCPU{}
	}
	if solar == nil {
		solar = StaticSolar(0)
	}
	if executor == nil {
		executor = NewHashExecutor(65)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Agent{
		client:   client,
		config:   config,
		cpu:      cpu,
		solar:    solar,
		executor: executor,
		logger:   logger.WithField("component", "agent"),
	}
}

// Counts returns how many tasks this agent completed and failed
func (a *Agent) Counts() (completed, failed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed, a.failed
}

// Run blocks until ctx is cancelled or the coordinator no longer knows
// the node
func (a *Agent) Run(ctx context.Context) error {
	if a.client.NodeID() == "" {
		creds, err := a.client.Register(ctx, a.config.Registration)
		if err != nil {
			return err
		}
		a.logger.Info("Node registered", logging.Fields{"node_id": creds.Node.ID, "name": creds.Node.Name})
	}
	if err := a.Heartbeat(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.heartbeatLoop(ctx)
		cancel()
	}()

	poll := time.NewTicker(a.config.PollInterval)
	defer poll.Stop()
	for {
		if _, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("Task poll failed", logging.Fields{"error": err})
		}
		select {
		case <-ctx.Done():
			select {
			case err := <-errCh:
				return err
			default:
				return nil
			}
		case <-poll.C:
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := a.Heartbeat(ctx)
			if IsStatus(err, http.StatusNotFound) {
				a.logger.Error("Coordinator no longer knows this node", logging.Fields{"node_id": a.client.NodeID()})
				return err
			}
			if err != nil && ctx.Err() == nil {
				a.logger.Warn("Heartbeat failed", logging.Fields{"error": err})
			}
		}
	}
}

// Heartbeat samples CPU and solar and sends one heartbeat
func (a *Agent) Heartbeat(ctx context.Context) error {
	cpu, err := a.cpu.CPUPercent(ctx)
	if err != nil {
		a.logger.Warn("CPU sample failed, reporting 0", logging.Fields{"error": err})
		cpu = 0
	}
	solar, err := a.solar.SolarWatts(ctx)
	if err != nil {
		a.logger.Warn("Solar reading failed, reporting 0", logging.Fields{"error": err})
		solar = 0
	}
	a.mu.Lock()
	a.lastSolar = solar
	a.mu.Unlock()

	node, err := a.client.Heartbeat(ctx, models.NodeHeartbeat{CPUUsagePercent: cpu, SolarWatts: solar})
	if err != nil {
		return err
	}
	a.logger.Debug("Heartbeat sent", logging.Fields{
		"cpu_usage":   cpu,
		"solar_watts": solar,
		"eco_score":   node.EcoScore,
	})
	return nil
}

// RunOnce asks for a task and, if there is one, runs it to completion.
// It reports whether a task was handled.
func (a *Agent) RunOnce(ctx context.Context) (bool, error) {
	task, err := a.client.NextTask(ctx)
	if err != nil || task == nil {
		return false, err
	}
	log := a.logger.WithFields(logging.Fields{"task_id": task.ID, "task_type": task.Type})

	if task.Status == models.TaskStatusAssigned {
		if task, err = a.client.StartTask(ctx, task.ID); err != nil {
			return false, err
		}
	}
	log.Info("Task started")

	a.mu.Lock()
	solar := a.lastSolar
	a.mu.Unlock()

	report, err := a.executor.Execute(ctx, task, solar)
	if err != nil {
		log.Warn("Task execution failed", logging.Fields{"error": err})
		a.mu.Lock()
		a.failed++
		a.mu.Unlock()
		if ferr := a.client.FailTask(ctx, task.ID, err.Error()); ferr != nil {
			return true, errors.Join(err, ferr)
		}
		return true, nil
	}

	result, err := a.client.ReportTask(ctx, task.ID, report)
	if err != nil {
		return true, err
	}
	a.mu.Lock()
	a.completed++
	a.mu.Unlock()

	fields := logging.Fields{
		"energy_wh": report.EnergyUsedWh,
		"solar_wh":  report.SolarContributionWh,
	}
	if result.Proof != nil {
		fields["proof_hash"] = result.Proof.Hash
	}
	if result.Credit != nil {
		fields["credit_eur"] = result.Credit.NodeShareEUR
	}
	log.Info("Task completed", fields)
	return true, nil
}
