package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/koprogo/greengrid/pkg/agent"
	"github.com/koprogo/greengrid/pkg/logging"
	"github.com/koprogo/greengrid/pkg/models"
	tlsutil "github.com/koprogo/greengrid/pkg/tls"
)

var (
	nodeName          string
	nodeLocation      string
	nodeCores         int
	nodeHasSolar      bool
	solarWatts        float64
	solarFile         string
	powerWatts        float64
	heartbeatInterval time.Duration
	pollInterval      time.Duration
	agentLogLevel     string
	agentCAFile       string
	agentCertFile     string
	agentKeyFile      string
)

// nodeCmd groups the commands run on a contributing machine
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run this machine as a grid node",
	Long:  `Commands for registering this machine with a coordinator and running the node agent.`,
}

var nodeHardwareCmd = &cobra.Command{
	Use:   "hardware",
	Short: "Show the hardware the agent would register",
	RunE: func(cmd *cobra.Command, args []string) error {
		hw := agent.DetectHardware(cmd.Context())
		if IsJSONOutput() {
			return printJSON(hw)
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Property", "Value")
		table.Append([]string{"CPU", fmt.Sprintf("%s (%d cores)", hw.CPUModel, hw.CPUCores)})
		table.Append([]string{"RAM", agent.FormatRAM(hw.RAMBytes)})
		table.Append([]string{"Platform", hw.OS + "/" + hw.Arch})
		table.Render()
		return nil
	},
}

var nodeRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this machine and print its credentials",
	Long: `Register this machine with the coordinator. The node ID and token are
printed as GRID_NODE_ID / GRID_NODE_TOKEN exports for "gridctl node run".`,
	RunE: runNodeRegister,
}

var nodeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node agent",
	Long: `Heartbeat CPU usage and solar production to the coordinator, pull the
tasks it assigns, run them and report their energy use. Registers first
unless GRID_NODE_ID and GRID_NODE_TOKEN are set.

Example:
  gridctl node run --name roof-3 --location Namur --solar-watts 420
  gridctl node run --name roof-3 --location Namur --solar-file /run/inverter/watts`,
	RunE: runNodeAgent,
}

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.AddCommand(nodeHardwareCmd)
	nodeCmd.AddCommand(nodeRegisterCmd)
	nodeCmd.AddCommand(nodeRunCmd)

	hostname, _ := os.Hostname()
	for _, c := range []*cobra.Command{nodeRegisterCmd, nodeRunCmd} {
		f := c.Flags()
		f.StringVar(&nodeName, "name", hostname, "node name")
		f.StringVar(&nodeLocation, "location", "", "node location (required)")
		f.IntVar(&nodeCores, "cores", 0, "CPU cores to offer (default: all detected)")
		f.BoolVar(&nodeHasSolar, "solar", false, "the node is powered by solar panels")
		f.StringVar(&agentCAFile, "ca", "", "CA file to verify the coordinator")
		f.StringVar(&agentCertFile, "cert", "", "client certificate for mTLS")
		f.StringVar(&agentKeyFile, "key", "", "client key for mTLS")
		c.MarkFlagRequired("location")
	}

	f := nodeRunCmd.Flags()
	f.Float64Var(&solarWatts, "solar-watts", 0, "fixed solar production in watts")
	f.StringVar(&solarFile, "solar-file", "", "file holding the current solar production in watts")
	f.Float64Var(&powerWatts, "power-watts", 65, "estimated draw while running a task")
	f.DurationVar(&heartbeatInterval, "heartbeat", 30*time.Second, "heartbeat interval")
	f.DurationVar(&pollInterval, "poll", 10*time.Second, "task poll interval")
	f.StringVar(&agentLogLevel, "log-level", "info", "log level")
}

func registration(ctx context.Context) models.NodeRegistration {
	cores := nodeCores
	if cores <= 0 {
		cores = agent.DetectHardware(ctx).CPUCores
	}
	return models.NodeRegistration{
		Name:     nodeName,
		CPUCores: cores,
		HasSolar: nodeHasSolar || solarWatts > 0 || solarFile != "",
		Location: nodeLocation,
	}
}

func newAgentClient() (*agent.Client, error) {
	cfg := agent.DefaultClientConfig(GetMasterURL())
	cfg.APIKey = GetAPIKey()
	if agentCAFile != "" || agentCertFile != "" {
		tlsConfig, err := tlsutil.Config{
			Enabled:  true,
			CAFile:   agentCAFile,
			CertFile: agentCertFile,
			KeyFile:  agentKeyFile,
		}.Client()
		if err != nil {
			return nil, err
		}
		cfg.TLSConfig = tlsConfig
	}
	return agent.NewClient(cfg), nil
}

func runNodeRegister(cmd *cobra.Command, args []string) error {
	client, err := newAgentClient()
	if err != nil {
		return err
	}
	creds, err := client.Register(cmd.Context(), registration(cmd.Context()))
	if err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(creds)
	}
	fmt.Fprintf(os.Stderr, "✓ Registered %s (%d cores) as %s\n", creds.Node.Name, creds.Node.CPUCores, creds.Node.ID)
	fmt.Printf("export GRID_NODE_ID=%s\n", creds.Node.ID)
	if creds.Token != "" {
		fmt.Printf("export GRID_NODE_TOKEN=%s\n", creds.Token)
	}
	return nil
}

func runNodeAgent(cmd *cobra.Command, args []string) error {
	logger := logging.NewLogger(logging.ParseLevel(agentLogLevel), false)
	logger = logger.WithField("node", nodeName)

	client, err := newAgentClient()
	if err != nil {
		return err
	}
	if id := viper.GetString("node_id"); id != "" {
		client.SetNode(id, viper.GetString("node_token"))
		logger.Info("Using existing node credentials", logging.Fields{"node_id": id})
	}

	var solar agent.SolarSource = agent.StaticSolar(solarWatts)
	if solarFile != "" {
		solar = agent.FileSolar(solarFile)
	}

	cfg := agent.DefaultConfig()
	cfg.Registration = registration(cmd.Context())
	cfg.HeartbeatInterval = heartbeatInterval
	cfg.PollInterval = pollInterval

	a := agent.New(client, cfg, agent.HostCPU{}, solar, agent.NewHashExecutor(powerWatts), logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = a.Run(ctx)
	completed, failed := a.Counts()
	logger.Info("Agent stopped", logging.Fields{"completed": completed, "failed": failed})
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
