package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/koprogo/greengrid/pkg/models"
	"github.com/koprogo/greengrid/pkg/scheduler"
)

var (
	// task submit flags
	taskType     string
	dataURL      string
	deadlineMins int64
	payloadPairs []string
	assignNow    bool

	// task list flags
	statusFilter string
	nodeFilter   string
	listLimit    int

	failReason string
)

// tasksCmd represents the tasks command
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage tasks",
	Long:  `Commands for submitting, listing and steering tasks on the grid.`,
}

var tasksSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new task",
	Long: `Submit a task to the coordinator. With --assign it goes straight to the
greenest live node; otherwise it waits for the next sweep or node poll.

Example:
  gridctl tasks submit --type data_hash --data-url https://example.org/set.csv --deadline 60
  gridctl tasks submit --type render --data-url s3://frames/42 --payload frames=120 --assign`,
	RunE: runTasksSubmit,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTasksList,
}

var tasksGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task with its state transitions",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksGet,
}

var tasksAssignCmd = &cobra.Command{
	Use:   "assign <task-id>",
	Short: "Assign a pending task to the greenest live node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]string
		if err := callAPI("POST", "/tasks/"+args[0]+"/assign", nil, &result); err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(result)
		}
		fmt.Printf("Task %s assigned to node %s\n", result["task_id"], result["node_id"])
		return nil
	},
}

var tasksFailCmd = &cobra.Command{
	Use:   "fail <task-id>",
	Short: "Mark a task as failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var task models.Task
		if err := callAPI("POST", "/tasks/"+args[0]+"/fail", map[string]string{"reason": failReason}, &task); err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(task)
		}
		fmt.Printf("Task %s failed: %s\n", task.ID, task.FailureReason)
		return nil
	},
}

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Move work off offline and overloaded nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		var report scheduler.RebalanceReport
		if err := callAPI("POST", "/rebalance", nil, &report); err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(report)
		}
		fmt.Printf("Scanned %d, reassigned %d, failed %d, skipped %d\n",
			report.Scanned, report.Reassigned, report.Failed, report.Skipped)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(rebalanceCmd)
	tasksCmd.AddCommand(tasksSubmitCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksGetCmd)
	tasksCmd.AddCommand(tasksAssignCmd)
	tasksCmd.AddCommand(tasksFailCmd)

	tasksSubmitCmd.Flags().StringVar(&taskType, "type", "", "task type: ml_train, data_hash, render, scientific, data_processing (required)")
	tasksSubmitCmd.Flags().StringVar(&dataURL, "data-url", "", "input data location (required)")
	tasksSubmitCmd.Flags().Int64Var(&deadlineMins, "deadline", 60, "deadline in minutes from now")
	tasksSubmitCmd.Flags().StringSliceVar(&payloadPairs, "payload", nil, "task parameters as key=value, repeatable")
	tasksSubmitCmd.Flags().BoolVar(&assignNow, "assign", false, "assign immediately")
	tasksSubmitCmd.MarkFlagRequired("type")
	tasksSubmitCmd.MarkFlagRequired("data-url")

	tasksListCmd.Flags().StringVar(&statusFilter, "status", "", "filter by status: pending, assigned, running, completed, failed")
	tasksListCmd.Flags().StringVar(&nodeFilter, "node", "", "filter by assigned node")
	tasksListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of tasks")

	tasksFailCmd.Flags().StringVar(&failReason, "reason", "cancelled by operator", "failure reason")
}

func parsePayload(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	payload := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, val, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid payload entry %q, expected key=value", p)
		}
		payload[k] = val
	}
	return payload, nil
}

func runTasksSubmit(cmd *cobra.Command, args []string) error {
	if _, err := models.ParseTaskType(taskType); err != nil {
		return err
	}
	payload, err := parsePayload(payloadPairs)
	if err != nil {
		return err
	}

	req := map[string]interface{}{
		"task_type":        taskType,
		"data_url":         dataURL,
		"deadline_minutes": deadlineMins,
		"payload":          payload,
		"assign":           assignNow,
	}
	var task models.Task
	if err := callAPI("POST", "/tasks", req, &task); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(task)
	}
	fmt.Printf("Task submitted: %s\n", task.ID)
	fmt.Printf("  Type:     %s (est. reward €%.2f)\n", task.Type, task.EstimatedReward())
	fmt.Printf("  Status:   %s\n", task.Status)
	if task.AssignedNodeID != "" {
		fmt.Printf("  Node:     %s\n", task.AssignedNodeID)
	}
	fmt.Printf("  Deadline: %s\n", task.Deadline.Format(time.RFC3339))
	return nil
}

type tasksListResponse struct {
	Tasks []*models.Task `json:"tasks"`
	Count int            `json:"count"`
}

func runTasksList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if statusFilter != "" {
		if _, err := models.ParseTaskStatus(statusFilter); err != nil {
			return err
		}
		q.Set("status", statusFilter)
	}
	if nodeFilter != "" {
		q.Set("node_id", nodeFilter)
	}
	if listLimit > 0 {
		q.Set("limit", strconv.Itoa(listLimit))
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result tasksListResponse
	if err := callAPI("GET", path, nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}
	if len(result.Tasks) == 0 {
		fmt.Println("No tasks")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Type", "Status", "Node", "Energy", "Solar", "Deadline")
	for _, t := range result.Tasks {
		energy, solar := "-", "-"
		if t.Status == models.TaskStatusCompleted {
			energy = fmt.Sprintf("%.1f Wh", t.EnergyUsedWh)
			solar = fmt.Sprintf("%.1f Wh", t.SolarContributionWh)
		}
		status := string(t.Status)
		if t.FailureReason != "" {
			status += " (" + t.FailureReason + ")"
		}
		table.Append(t.ID, string(t.Type), status, t.AssignedNodeID, energy, solar, t.Deadline.Format(time.RFC3339))
	}
	table.Render()
	fmt.Printf("\nTotal tasks: %d\n", result.Count)
	return nil
}

func runTasksGet(cmd *cobra.Command, args []string) error {
	var task models.Task
	if err := callAPI("GET", "/tasks/"+args[0], nil, &task); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(task)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append([]string{"Task ID", task.ID})
	table.Append([]string{"Type", string(task.Type)})
	table.Append([]string{"Status", string(task.Status)})
	table.Append([]string{"Data URL", task.DataURL})
	table.Append([]string{"Node", task.AssignedNodeID})
	table.Append([]string{"Deadline", task.Deadline.Format(time.RFC3339)})
	if task.ResultHash != "" {
		table.Append([]string{"Result Hash", task.ResultHash})
		table.Append([]string{"Energy", fmt.Sprintf("%.2f Wh (%.2f Wh solar)", task.EnergyUsedWh, task.SolarContributionWh)})
	}
	if task.FailureReason != "" {
		table.Append([]string{"Failure", task.FailureReason})
	}
	table.Render()

	if len(task.Transitions) > 0 {
		fmt.Println("\nState transitions:")
		for _, tr := range task.Transitions {
			line := fmt.Sprintf("  %s  %s -> %s", tr.Timestamp.Format(time.RFC3339), tr.From, tr.To)
			if tr.Reason != "" {
				line += "  (" + tr.Reason + ")"
			}
			fmt.Println(line)
		}
	}
	return nil
}
