package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koprogo/greengrid/pkg/ledger"
	"github.com/koprogo/greengrid/pkg/logging"
	"github.com/koprogo/greengrid/pkg/models"
	"github.com/koprogo/greengrid/pkg/registry"
	"github.com/koprogo/greengrid/pkg/scheduler"
)

const namespace = "greengrid"

// scrapeTimeout bounds the store reads done on every scrape
const scrapeTimeout = 5 * time.Second

// Sources are the components a scrape reads from
type Sources struct {
	Registry *registry.Registry
	Tasks    *scheduler.TaskManager
	Proofs   *ledger.ProofLedger
	Credits  *ledger.CreditLedger
}

// Collector exports the grid state as Prometheus gauges at scrape time
type Collector struct {
	src       Sources
	startTime time.Time
	logger    *logging.Logger

	up             *prometheus.Desc
	uptime         *prometheus.Desc
	nodes          *prometheus.Desc
	cpuCores       *prometheus.Desc
	ecoScore       *prometheus.Desc
	meanEcoScore   *prometheus.Desc
	energySaved    *prometheus.Desc
	carbonSaved    *prometheus.Desc
	tasks          *prometheus.Desc
	proofs         *prometheus.Desc
	fund           *prometheus.Desc
	nodeCreditsEUR *prometheus.Desc
}

// NewCollector creates a collector over the given sources
func NewCollector(src Sources, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.Nop()
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src:            src,
		startTime:      time.Now(),
		logger:         logger.WithField("component", "metrics"),
		up:             desc("up", "1 if the last scrape could read the store"),
		uptime:         desc("uptime_seconds", "Time since the coordinator started"),
		nodes:          desc("nodes", "Registered nodes by status", "status"),
		cpuCores:       desc("cluster_cpu_cores", "CPU cores across registered nodes"),
		ecoScore:       desc("node_eco_score", "Current eco score per live node", "node_id", "name"),
		meanEcoScore:   desc("mean_eco_score", "Mean eco score over live nodes"),
		energySaved:    desc("energy_saved_wh", "Solar energy credited across all nodes in Wh"),
		carbonSaved:    desc("carbon_saved_kg", "CO2 credited across all nodes in kg"),
		tasks:          desc("tasks", "Tasks by status", "status"),
		proofs:         desc("green_proofs", "Length of the green proof chain"),
		fund:           desc("cooperative_fund_eur", "Cooperative fund balance in euros"),
		nodeCreditsEUR: desc("node_credits_eur", "Node share of issued credits in euros", "node_id"),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.up, c.uptime, c.nodes, c.cpuCores, c.ecoScore, c.meanEcoScore, c.energySaved,
		c.carbonSaved, c.tasks, c.proofs, c.fund, c.nodeCreditsEUR,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	gauge(c.uptime, time.Since(c.startTime).Seconds())
	up := 1.0
	fail := func(what string, err error) {
		up = 0
		c.logger.Warn("Metrics scrape failed", logging.Fields{"source": what, "error": err})
	}

	if c.src.Registry != nil {
		if err := c.collectNodes(ctx, gauge); err != nil {
			fail("nodes", err)
		}
	}

	if c.src.Tasks != nil {
		counts, err := c.src.Tasks.Counts(ctx)
		if err != nil {
			fail("tasks", err)
		} else {
			for _, s := range []models.TaskStatus{
				models.TaskStatusPending, models.TaskStatusAssigned, models.TaskStatusRunning,
				models.TaskStatusCompleted, models.TaskStatusFailed,
			} {
				gauge(c.tasks, float64(counts[s]), string(s))
			}
		}
	}

	if c.src.Proofs != nil {
		n, err := c.src.Proofs.Count(ctx)
		if err != nil {
			fail("proofs", err)
		} else {
			gauge(c.proofs, float64(n))
		}
	}

	if c.src.Credits != nil {
		total, err := c.src.Credits.CooperativeFund(ctx)
		if err != nil {
			fail("fund", err)
		} else {
			gauge(c.fund, total)
		}
	}

	gauge(c.up, up)
}

func (c *Collector) collectNodes(ctx context.Context, gauge func(*prometheus.Desc, float64, ...string)) error {
	stats, err := c.src.Registry.Stats(ctx)
	if err != nil {
		return err
	}
	gauge(c.nodes, float64(stats.ActiveNodes), string(models.NodeStatusActive))
	gauge(c.nodes, float64(stats.IdleNodes), string(models.NodeStatusIdle))
	gauge(c.nodes, float64(stats.OfflineNodes), string(models.NodeStatusOffline))
	gauge(c.cpuCores, float64(stats.TotalCPUCores))
	gauge(c.meanEcoScore, stats.MeanEcoScore)
	gauge(c.energySaved, stats.TotalEnergySavedWh)
	gauge(c.carbonSaved, stats.TotalCarbonKg)

	active, err := c.src.Registry.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, n := range active {
		gauge(c.ecoScore, n.EcoScore, n.ID, n.Name)
		if c.src.Credits == nil {
			continue
		}
		cs, err := c.src.Credits.NodeStats(ctx, n.ID)
		if err != nil {
			return err
		}
		gauge(c.nodeCreditsEUR, cs.NodeShareEUR, n.ID)
	}
	return nil
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
