package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/koprogo/greengrid/pkg/models"
)

var listActiveOnly bool

// nodesCmd represents the nodes command
var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Manage compute nodes",
	Long:  `Commands for listing and managing the compute nodes registered with the coordinator.`,
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered nodes",
	Long:  `Retrieve all registered nodes, or with --active only the live ones ordered by eco score.`,
	RunE:  runNodesList,
}

var nodesDescribeCmd = &cobra.Command{
	Use:   "describe <node-id>",
	Short: "Get detailed information about a node",
	Long:  `Retrieve a node's live metrics, eco score and credit totals.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runNodesDescribe,
}

var nodesRemoveCmd = &cobra.Command{
	Use:   "remove <node-id>",
	Short: "Remove a node that owns no in-flight task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := callAPI("DELETE", "/nodes/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Printf("Node %s removed\n", args[0])
		return nil
	},
}

var nodesIdleCmd = &cobra.Command{
	Use:   "idle <node-id>",
	Short: "Pause a node: it keeps heartbeating but receives no new work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var node models.Node
		if err := callAPI("POST", "/nodes/"+args[0]+"/idle", nil, &node); err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(node)
		}
		fmt.Printf("Node %s is %s\n", node.ID, node.Status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(nodesCmd)
	nodesCmd.AddCommand(nodesListCmd)
	nodesCmd.AddCommand(nodesDescribeCmd)
	nodesCmd.AddCommand(nodesRemoveCmd)
	nodesCmd.AddCommand(nodesIdleCmd)

	nodesListCmd.Flags().BoolVar(&listActiveOnly, "active", false, "only live nodes, greenest first")
}

type nodesListResponse struct {
	Nodes []*models.Node `json:"nodes"`
	Count int            `json:"count"`
}

type nodeCreditsResponse struct {
	Stats   *models.CreditStats    `json:"stats"`
	Credits []*models.CarbonCredit `json:"credits"`
}

func runNodesList(cmd *cobra.Command, args []string) error {
	path := "/nodes"
	if listActiveOnly {
		path = "/nodes/active"
	}
	var result nodesListResponse
	if err := callAPI("GET", path, nil, &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(result)
	}
	if len(result.Nodes) == 0 {
		fmt.Println("No nodes registered")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Status", "Eco", "CPU", "Solar", "Location", "Last Heartbeat")
	for _, node := range result.Nodes {
		solar := "No"
		if node.HasSolar {
			solar = fmt.Sprintf("%.0f W", node.LastSolarWatts)
		}
		table.Append(
			node.ID,
			node.Name,
			string(node.Status),
			fmt.Sprintf("%.2f", node.EcoScore),
			fmt.Sprintf("%d cores @ %.0f%%", node.CPUCores, node.LastCPUUsage),
			solar,
			node.Location,
			formatAge(node.LastHeartbeat),
		)
	}
	table.Render()
	fmt.Printf("\nTotal nodes: %d\n", result.Count)
	return nil
}

func runNodesDescribe(cmd *cobra.Command, args []string) error {
	nodeID := args[0]
	var node models.Node
	if err := callAPI("GET", "/nodes/"+nodeID, nil, &node); err != nil {
		return err
	}
	var credits nodeCreditsResponse
	if err := callAPI("GET", "/nodes/"+nodeID+"/credits", nil, &credits); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(map[string]interface{}{"node": node, "credits": credits})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append([]string{"Node ID", node.ID})
	table.Append([]string{"Name", node.Name})
	table.Append([]string{"Location", node.Location})
	table.Append([]string{"Status", string(node.Status)})
	table.Append([]string{"Eco Score", fmt.Sprintf("%.3f", node.EcoScore)})
	table.Append([]string{"CPU", fmt.Sprintf("%d cores, %.1f%% busy", node.CPUCores, node.LastCPUUsage)})
	if node.HasSolar {
		table.Append([]string{"Solar", fmt.Sprintf("%.0f W", node.LastSolarWatts)})
	} else {
		table.Append([]string{"Solar", "No"})
	}
	table.Append([]string{"Energy Saved", fmt.Sprintf("%.2f Wh", node.TotalEnergySavedWh)})
	table.Append([]string{"CO2 Avoided", fmt.Sprintf("%.4f kg", node.TotalCarbonCredits)})
	if credits.Stats != nil {
		table.Append([]string{"Credits", fmt.Sprintf("%d", credits.Stats.TotalCredits)})
		table.Append([]string{"Node Share", fmt.Sprintf("€%.6f", credits.Stats.NodeShareEUR)})
		table.Append([]string{"Cooperative Share", fmt.Sprintf("€%.6f", credits.Stats.CooperativeShareEUR)})
	}
	table.Append([]string{"Registered", node.RegisteredAt.Format(time.RFC3339)})
	table.Append([]string{"Last Heartbeat", formatAge(node.LastHeartbeat)})
	table.Render()
	return nil
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Truncate(time.Second).String() + " ago"
}
