package agentcli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/neuroplastio/neio-relay/internal/configsvc"
	"github.com/neuroplastio/neio-relay/internal/virtdev"
	"github.com/neuroplastio/neio-relay/pkg/agent"
	"github.com/spf13/cobra"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "neio-relay"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type agentProvider func() *agent.Agent

func NewRootCmd(configDir string) *cobra.Command {
	defaults := agent.DefaultConfig(configDir)
	flags := defaults
	flags.ConfigFile = filepath.Join(configDir, "relay.yml")

	relayCmd := &cobra.Command{
		Use:           "neio-relay",
		Short:         "Neuroplast.io device event relay",
		Long:          `Relays HID device events to a single connected consumer over RFCOMM, TCP or WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var a *agent.Agent
	agentProvider := func() *agent.Agent {
		return a
	}
	pf := relayCmd.PersistentFlags()
	pf.StringVar(&flags.ConfigFile, "config", flags.ConfigFile, "config file, created with defaults if missing")
	pf.StringVar(&flags.DataDir, "data-dir", flags.DataDir, "data directory")
	pf.StringVar(&flags.Transport, "transport", flags.Transport, "listening transport: rfcomm, tcp or websocket")
	pf.StringVar(&flags.Listen, "listen", flags.Listen, "listen address for tcp and websocket")
	pf.Uint8Var(&flags.Channel, "channel", flags.Channel, "RFCOMM channel")
	pf.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "log level")

	relayCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, flags, defaults)
		if err != nil {
			return err
		}
		a, err = agent.NewAgent(cfg)
		return err
	}
	relayCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return a.Close()
	}
	relayCmd.AddCommand(NewRun(agentProvider))
	relayCmd.AddCommand(NewListDevices(agentProvider))
	relayCmd.AddCommand(NewSessions(agentProvider))
	relayCmd.AddCommand(NewSimulate(agentProvider))
	return relayCmd
}

// loadConfig reads the config file and applies every flag given on the command line on top of it.
func loadConfig(cmd *cobra.Command, flags, defaults agent.Config) (agent.Config, error) {
	cfg, err := configsvc.Ensure(flags.ConfigFile, defaults)
	if err != nil {
		return agent.Config{}, err
	}
	cfg.ConfigFile = flags.ConfigFile
	changed := cmd.Flags().Changed
	if changed("data-dir") {
		cfg.DataDir = flags.DataDir
	}
	if changed("transport") {
		cfg.Transport = flags.Transport
	}
	if changed("listen") {
		cfg.Listen = flags.Listen
	}
	if changed("channel") {
		cfg.Channel = flags.Channel
	}
	if changed("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	return cfg, nil
}

func NewRun(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long:  `Listens for one consumer at a time and relays device events to it until interrupted.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return agent().Run(cmd.Context())
		},
	}
}

func NewListDevices(agent agentProvider) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list-devices",
		Short: "List known devices",
		Long:  `List every device the relay has seen attached, with first and last seen times.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := agent().History()
			if err != nil {
				return err
			}
			devices, err := history.ListDevices()
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), output, devices)
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}

func NewSessions(agent agentProvider) *cobra.Command {
	var (
		output string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "sessions [id]",
		Short: "Show session history",
		Long:  `List past consumer sessions, most recent first, or show a single session by id.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := agent().History()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				session, err := history.GetSession(args[0])
				if err != nil {
					return err
				}
				return printOutput(cmd.OutOrStdout(), output, session)
			}
			sessions, err := history.ListSessions(limit)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), output, sessions)
		},
	}
	addOutputFlag(cmd, &output)
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions, 0 for all")
	return cmd
}

func NewSimulate(agent agentProvider) *cobra.Command {
	var (
		name      string
		vendorID  uint32
		productID uint32
		interval  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Create a virtual gamepad",
		Long:  `Creates a virtual HID gamepad through /dev/uhid and injects input reports until interrupted.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return agent().Simulate(cmd.Context(),
				virtdev.WithName(name),
				virtdev.WithIDs(vendorID, productID),
				virtdev.WithInterval(interval),
			)
		},
	}
	cmd.Flags().StringVar(&name, "name", "neio-relay virtual pad", "device name")
	cmd.Flags().Uint32Var(&vendorID, "vendor-id", 0x1209, "USB vendor id")
	cmd.Flags().Uint32Var(&productID, "product-id", 0x0001, "USB product id")
	cmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond, "report interval")
	return cmd
}

func addOutputFlag(cmd *cobra.Command, output *string) {
	cmd.Flags().StringVarP(output, "output", "o", "json", "output format: json or yaml")
}

func printOutput(w io.Writer, format string, v any) error {
	var (
		b   []byte
		err error
	)
	switch format {
	case "json":
		b, err = json.MarshalIndent(v, "", "  ")
		b = append(b, '\n')
	case "yaml":
		b, err = yaml.Marshal(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
