package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/koprogo/greengrid/pkg/events"
	"github.com/koprogo/greengrid/pkg/models"
)

// EventRecorder turns grid events into Prometheus counters
type EventRecorder struct {
	events        *prometheus.CounterVec
	creditsEUR    *prometheus.CounterVec
	carbonKg      prometheus.Counter
	energyWh      *prometheus.CounterVec
	taskFailures  *prometheus.CounterVec
	chainFailures prometheus.Counter
}

// NewEventRecorder creates the counters and registers them on reg
func NewEventRecorder(reg prometheus.Registerer) (*EventRecorder, error) {
	r := &EventRecorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Grid events by type",
		}, []string{"type"}),
		creditsEUR: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_issued_eur_total",
			Help:      "Euro value of issued credits by beneficiary",
		}, []string{"share"}),
		carbonKg: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_issued_kg_co2_total",
			Help:      "CO2 covered by issued credits in kg",
		}),
		energyWh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proof_energy_wh_total",
			Help:      "Energy attested by green proofs in Wh",
		}, []string{"source"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_failures_total",
			Help:      "Failed tasks by reason",
		}, []string{"reason"}),
		chainFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_integrity_failures_total",
			Help:      "Green proof chain verifications that found a broken link",
		}),
	}
	for _, c := range []prometheus.Collector{r.events, r.creditsEUR, r.carbonKg, r.energyWh, r.taskFailures, r.chainFailures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Run consumes events until ctx is done or ch is closed
func (r *EventRecorder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Record(e)
		}
	}
}

// Record updates the counters for one event
func (r *EventRecorder) Record(e events.Event) {
	r.events.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case events.CreditIssued:
		if c, ok := e.Data.(*models.CarbonCredit); ok {
			r.creditsEUR.WithLabelValues("node").Add(c.NodeShareEUR)
			r.creditsEUR.WithLabelValues("cooperative").Add(c.CooperativeShareEUR)
			r.carbonKg.Add(c.KgCO2)
		}
	case events.ProofAppended:
		if p, ok := e.Data.(*models.GreenProof); ok {
			r.energyWh.WithLabelValues("solar").Add(p.Energy.SolarContributionWh)
			r.energyWh.WithLabelValues("grid").Add(p.Energy.EnergyUsedWh - p.Energy.SolarContributionWh)
		}
	case events.TaskFailed:
		if t, ok := e.Data.(*models.Task); ok {
			reason := t.FailureReason
			if reason != models.ReasonDeadlineExceeded && reason != models.ReasonNodeUnavailable {
				reason = "reported"
			}
			r.taskFailures.WithLabelValues(reason).Inc()
		}
	case events.ChainBroken:
		r.chainFailures.Inc()
	}
}
