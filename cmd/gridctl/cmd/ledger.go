package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/koprogo/greengrid/pkg/api"
	"github.com/koprogo/greengrid/pkg/events"
	"github.com/koprogo/greengrid/pkg/models"
)

var (
	proofLimit  int
	proofOffset int
	watchTypes  []string
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the green proof chain and carbon credits",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute every link of the green proof chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		var result api.VerifyResponse
		if err := callAPI("GET", "/proofs/verify", nil, &result); err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(result)
		}
		fmt.Printf("✓ Chain valid (%d proofs)\n", result.Length)
		return nil
	},
}

var ledgerProofsCmd = &cobra.Command{
	Use:   "proofs",
	Short: "List green proofs in chain order",
	RunE:  runLedgerProofs,
}

var ledgerLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the chain head",
	RunE: func(cmd *cobra.Command, args []string) error {
		var proof models.GreenProof
		if err := callAPI("GET", "/proofs/latest", nil, &proof); err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(proof)
		}
		return renderProofs([]*models.GreenProof{&proof})
	},
}

var ledgerWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream grid events as they happen",
	Long: `Open the coordinator's event stream and print every event until
interrupted.

Example:
  gridctl ledger watch
  gridctl ledger watch --type proof.appended --type credit.issued`,
	RunE: runLedgerWatch,
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Manage carbon credits",
}

func creditStatusCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <credit-id>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a carbon credit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var credit models.CarbonCredit
			if err := callAPI("POST", "/credits/"+args[0]+"/"+action, nil, &credit); err != nil {
				return err
			}
			if IsJSONOutput() {
				return printJSON(credit)
			}
			fmt.Printf("Credit %s is %s\n", credit.ID, credit.Status)
			return nil
		},
	}
}

var creditsGetCmd = &cobra.Command{
	Use:   "get <credit-id>",
	Short: "Show a carbon credit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var c models.CarbonCredit
		if err := callAPI("GET", "/credits/"+args[0], nil, &c); err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(c)
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Property", "Value")
		table.Append([]string{"Credit ID", c.ID})
		table.Append([]string{"Node", c.NodeID})
		table.Append([]string{"Task", c.TaskID})
		table.Append([]string{"Proof", c.ProofID})
		table.Append([]string{"CO2", fmt.Sprintf("%.6f kg", c.KgCO2)})
		table.Append([]string{"Value", fmt.Sprintf("€%.6f", c.EuroValue)})
		table.Append([]string{"Node Share", fmt.Sprintf("€%.6f", c.NodeShareEUR)})
		table.Append([]string{"Cooperative Share", fmt.Sprintf("€%.6f", c.CooperativeShareEUR)})
		table.Append([]string{"Status", string(c.Status)})
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerProofsCmd)
	ledgerCmd.AddCommand(ledgerLatestCmd)
	ledgerCmd.AddCommand(ledgerWatchCmd)

	rootCmd.AddCommand(creditsCmd)
	creditsCmd.AddCommand(creditsGetCmd)
	creditsCmd.AddCommand(creditStatusCmd("confirm"))
	creditsCmd.AddCommand(creditStatusCmd("redeem"))

	ledgerProofsCmd.Flags().IntVar(&proofLimit, "limit", 20, "number of proofs")
	ledgerProofsCmd.Flags().IntVar(&proofOffset, "offset", 0, "proofs to skip from the genesis")
	ledgerWatchCmd.Flags().StringSliceVar(&watchTypes, "type", nil, "only these event types, repeatable")
}

type proofsListResponse struct {
	Proofs []*models.GreenProof `json:"proofs"`
	Count  int                  `json:"count"`
}

func runLedgerProofs(cmd *cobra.Command, args []string) error {
	var result proofsListResponse
	path := fmt.Sprintf("/proofs?limit=%d&offset=%d", proofLimit, proofOffset)
	if err := callAPI("GET", path, nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}
	if len(result.Proofs) == 0 {
		fmt.Println("No proofs in the chain")
		return nil
	}
	return renderProofs(result.Proofs)
}

func renderProofs(proofs []*models.GreenProof) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Seq", "Task", "Node", "Energy", "Green", "CO2", "Hash", "Previous")
	for _, p := range proofs {
		prev := p.PreviousHash
		if prev == "" {
			prev = "genesis"
		}
		table.Append(
			fmt.Sprintf("%d", p.Sequence),
			p.TaskID,
			p.NodeID,
			fmt.Sprintf("%.1f Wh", p.Energy.EnergyUsedWh),
			fmt.Sprintf("%.0f%%", p.Energy.GreenPercentage()),
			fmt.Sprintf("%.4f kg", p.Energy.CarbonSavedKg),
			shortHash(p.Hash),
			shortHash(prev),
		)
	}
	table.Render()
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// streamEvent is an event as received over the wire
type streamEvent struct {
	Type      events.Type     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func eventsURL() (string, error) {
	u, err := url.Parse(GetMasterURL() + "/events")
	if err != nil {
		return "", fmt.Errorf("invalid coordinator URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if len(watchTypes) > 0 {
		u.RawQuery = url.Values{"types": {strings.Join(watchTypes, ",")}}.Encode()
	}
	return u.String(), nil
}

func runLedgerWatch(cmd *cobra.Command, args []string) error {
	target, err := eventsURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if key := GetAPIKey(); key != "" {
		header.Set("Authorization", "Bearer "+key)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(target, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to open event stream (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer conn.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	if !IsJSONOutput() {
		fmt.Fprintf(os.Stderr, "Watching %s (Ctrl+C to stop)\n", target)
	}
	for {
		var e streamEvent
		if err := conn.ReadJSON(&e); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return fmt.Errorf("event stream closed: %w", err)
		}
		if IsJSONOutput() {
			data, _ := json.Marshal(e)
			fmt.Println(string(data))
			continue
		}
		fmt.Printf("%s  %-16s %s\n", e.Timestamp.Format("15:04:05"), e.Type, summarizeEvent(e))
	}
}

// summarizeEvent renders the interesting fields of an event payload
func summarizeEvent(e streamEvent) string {
	var fields map[string]interface{}
	if err := json.Unmarshal(e.Data, &fields); err != nil {
		return string(e.Data)
	}
	var parts []string
	for _, k := range []string{"id", "task_id", "node_id", "assigned_node_id", "status", "sequence", "kg_co2", "cooperative_share_eur", "failure_reason"} {
		if v, ok := fields[k]; ok && v != "" {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, " ")
}
