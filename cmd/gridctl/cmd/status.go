package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/koprogo/greengrid/pkg/api"
	"github.com/koprogo/greengrid/pkg/models"
)

var metricsPrefix string

var fundCmd = &cobra.Command{
	Use:   "fund",
	Short: "Show the cooperative fund and its audit",
	RunE: func(cmd *cobra.Command, args []string) error {
		var result api.FundResponse
		if err := callAPI("GET", "/fund", nil, &result); err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(result)
		}
		fmt.Printf("Cooperative fund: €%.6f\n", result.BalanceEUR)
		if a := result.Audit; a != nil {
			mark := "✓ balanced"
			if !a.Balanced {
				mark = "✗ UNBALANCED"
			}
			fmt.Printf("Audit: %s over %d credits (shares €%.6f, value €%.6f, splits €%.6f)\n",
				mark, a.Credits, a.SumOfShares, a.TotalEuroValue, a.SumOfSplits)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show grid statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		var s api.StatsResponse
		if err := callAPI("GET", "/stats", nil, &s); err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(s)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Metric", "Value")
		if n := s.Nodes; n != nil {
			table.Append([]string{"Nodes", fmt.Sprintf("%d (%d active, %d idle, %d offline)", n.TotalNodes, n.ActiveNodes, n.IdleNodes, n.OfflineNodes)})
			table.Append([]string{"Solar Nodes", fmt.Sprintf("%d", n.SolarNodes)})
			table.Append([]string{"CPU Cores", fmt.Sprintf("%d", n.TotalCPUCores)})
			table.Append([]string{"Mean Eco Score", fmt.Sprintf("%.3f", n.MeanEcoScore)})
			table.Append([]string{"Energy Saved", fmt.Sprintf("%.2f Wh", n.TotalEnergySavedWh)})
			table.Append([]string{"CO2 Avoided", fmt.Sprintf("%.4f kg", n.TotalCarbonKg)})
		}
		for _, st := range []models.TaskStatus{
			models.TaskStatusPending, models.TaskStatusAssigned, models.TaskStatusRunning,
			models.TaskStatusCompleted, models.TaskStatusFailed,
		} {
			table.Append([]string{"Tasks " + string(st), fmt.Sprintf("%d", s.Tasks[st])})
		}
		table.Append([]string{"Green Proofs", fmt.Sprintf("%d", s.Proofs)})
		table.Append([]string{"Cooperative Fund", fmt.Sprintf("€%.6f", s.CooperativeFund)})
		table.Append([]string{"Uptime", fmt.Sprintf("%.0fs", s.UptimeSeconds)})
		table.Render()
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Scrape and summarize the coordinator's Prometheus metrics",
	RunE:  runMetrics,
}

func init() {
	rootCmd.AddCommand(fundCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(metricsCmd)

	metricsCmd.Flags().StringVar(&metricsPrefix, "prefix", "greengrid_", "only metric families with this prefix")
}

// scrapeMetrics fetches /metrics and decodes it into metric families
func scrapeMetrics() ([]*dto.MetricFamily, error) {
	req, err := CreateAuthenticatedRequest("GET", GetMasterURL()+"/metrics", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeProtoDelim)))
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics endpoint returned %d", resp.StatusCode)
	}

	decoder := expfmt.NewDecoder(resp.Body, expfmt.ResponseFormat(resp.Header))
	var families []*dto.MetricFamily
	for {
		mf := &dto.MetricFamily{}
		if err := decoder.Decode(mf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode metrics: %w", err)
		}
		families = append(families, mf)
	}
	return families, nil
}

type metricSample struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

func flattenFamilies(families []*dto.MetricFamily, prefix string) []metricSample {
	var out []metricSample
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), prefix) {
			continue
		}
		for _, m := range mf.GetMetric() {
			s := metricSample{Name: mf.GetName()}
			for _, lp := range m.GetLabel() {
				if s.Labels == nil {
					s.Labels = make(map[string]string)
				}
				s.Labels[lp.GetName()] = lp.GetValue()
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				s.Value = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				s.Value = m.GetGauge().GetValue()
			case dto.MetricType_UNTYPED:
				s.Value = m.GetUntyped().GetValue()
			case dto.MetricType_HISTOGRAM:
				s.Name += "_count"
				s.Value = float64(m.GetHistogram().GetSampleCount())
			case dto.MetricType_SUMMARY:
				s.Name += "_count"
				s.Value = float64(m.GetSummary().GetSampleCount())
			}
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

func runMetrics(cmd *cobra.Command, args []string) error {
	families, err := scrapeMetrics()
	if err != nil {
		return err
	}
	samples := flattenFamilies(families, metricsPrefix)
	if IsJSONOutput() {
		return printJSON(samples)
	}
	if len(samples) == 0 {
		fmt.Println("No matching metrics")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Labels", "Value")
	for _, s := range samples {
		table.Append(s.Name, formatLabels(s.Labels), fmt.Sprintf("%g", s.Value))
	}
	table.Render()
	return nil
}
