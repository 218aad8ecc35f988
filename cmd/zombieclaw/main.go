package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/babybirdprd/zombieclaw"
	"github.com/babybirdprd/zombieclaw/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	LogFile    string
}

// PairFlags holds flags for the pair command
type PairFlags struct {
	Code string
}

// SendFlags holds flags for the send command
type SendFlags struct {
	Text    string
	Channel string
}

// ConfigSetFlags holds flags for the config-set command
type ConfigSetFlags struct {
	JSON string
}

// buildRoot assembles the command tree
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)

	root.AddCommand(
		createServeCommand(globalFlags),
		createPairCommand(globalFlags),
		createStatusCommand(globalFlags),
		createStateCommand(globalFlags),
		createSendCommand(globalFlags),
		createConfigGetCommand(globalFlags),
		createConfigSetCommand(globalFlags),
		createEventsCommand(globalFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "zombieclaw",
		Short: "Runtime bridge for a stdio agent process",
		Long: `Zombieclaw supervises a long-lived agent process speaking
newline-delimited JSON over stdio and exposes it over HTTP.

Examples:
  zombieclaw serve --config=zombieclaw.toml   # Start the bridge daemon
  zombieclaw pair --code=123456               # Pair this device with a running daemon
  zombieclaw send --text="hello"              # Forward a message to the agent
  zombieclaw events                           # Follow the notification stream`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API base URL (defaults to the paired server)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "API request timeout")
	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the zombieclaw daemon",
		Long: `Start the bridge daemon: spawn the configured agent process and
serve the HTTP API in front of it.

Examples:
  zombieclaw serve                  # Start daemon (uses --config)
  zombieclaw serve config.toml      # Start with specific config file
  zombieclaw serve --daemonize      # Run as daemon in background`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveFlags.ConfigPath == "" {
				serveFlags.ConfigPath = globalFlags.ConfigPath
			}
			return runServeCommand(serveFlags, args)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon logs to file")
	return cmd
}

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=zombieclaw.toml or provide as argument")
	}

	cfg, err := zombieclaw.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		pidfile := cfg.Daemon.PIDFile
		logfile := flags.LogFile
		if logfile == "" {
			logfile = cfg.Daemon.LogFile
		}
		return daemonize(pidfile, logfile)
	}

	// Env precedence: env_files first, then top-level env, then [agent] env.
	var merged []string
	for _, f := range cfg.EnvFiles {
		kvs, err := zombieclaw.LoadEnvFile(f)
		if err != nil {
			return fmt.Errorf("error loading env file %s: %w", f, err)
		}
		merged = append(merged, kvs...)
	}
	merged = append(merged, cfg.Env...)
	cfg.Agent.Env = append(merged, cfg.Agent.Env...)

	if cfg.Metrics.Enabled {
		if err := zombieclaw.RegisterMetricsDefault(); err != nil {
			fmt.Printf("Warning: failed to register metrics: %v\n", err)
		}
		if cfg.Metrics.Listen != "" {
			go func() {
				if err := zombieclaw.ServeMetrics(cfg.Metrics.Listen); err != nil {
					fmt.Printf("Metrics server error: %v\n", err)
				}
			}()
		}
	}

	bridge, err := zombieclaw.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}
	defer func() { _ = bridge.Close() }()

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := bridge.Start(startCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start agent: %w", err)
	}
	cancel()

	protocol := "HTTP"
	var server *http.Server
	if cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		protocol = "HTTPS"
		server, err = bridge.NewTLSServer()
	} else {
		server, err = bridge.NewHTTPServer()
	}
	if err != nil {
		return fmt.Errorf("failed to create %s server: %w", protocol, err)
	}

	fmt.Printf("Starting zombieclaw %s server on %s%s\n", protocol, cfg.Server.Listen, cfg.Server.BasePath)
	if st := bridge.Guard().Status(); st.PairingCode != "" {
		fmt.Printf("Pairing code: %s\n", st.PairingCode)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	if cfg.Daemon.PIDFile != "" {
		_ = removePidFile(cfg.Daemon.PIDFile)
	}
	return server.Close()
}

// createPairCommand creates the pair subcommand
func createPairCommand(globalFlags *GlobalFlags) *cobra.Command {
	pairFlags := &PairFlags{}

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair this device with a running daemon",
		Long: `Exchange the daemon's one-time pairing code for a bearer token.
The token is stored in the session file and used by all other commands.

Examples:
  zombieclaw pair --code=123456
  zombieclaw pair --code=123456 --api-url=http://remote:8787/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairCommand(globalFlags, pairFlags)
		},
	}

	cmd.Flags().StringVar(&pairFlags.Code, "code", "", "pairing code shown by the daemon (required)")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func runPairCommand(globalFlags *GlobalFlags, pairFlags *PairFlags) error {
	apiURL := globalFlags.APIUrl
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	c := client.New(client.Config{BaseURL: apiURL, Timeout: globalFlags.APITimeout})
	ctx, cancel := context.WithTimeout(context.Background(), globalFlags.APITimeout)
	defer cancel()

	if !c.IsReachable(ctx) {
		return daemonUnreachableError(apiURL)
	}

	token, err := c.Pair(ctx, pairFlags.Code)
	if err != nil {
		return fmt.Errorf("pairing failed: %w", err)
	}

	sm := NewSessionManager()
	session := &Session{
		Token:     token,
		ServerURL: apiURL,
		PairedAt:  time.Now(),
	}
	if err := sm.SaveSession(session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	fmt.Printf("Paired. Token stored in %s\n", sm.GetSessionPath())
	return nil
}

// createStatusCommand creates the status subcommand
func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the supervised agent status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := apiClient(globalFlags)
			if err != nil {
				return err
			}
			defer cancel()

			st, err := c.Health(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("State:    %s\n", st.State)
			if st.PID != 0 {
				fmt.Printf("PID:      %d\n", st.PID)
			}
			fmt.Printf("Restarts: %d\n", st.RestartCount)
			if !st.StartedAt.IsZero() {
				fmt.Printf("Started:  %s\n", st.StartedAt.Format(time.RFC3339))
			}
			if st.LastError != "" {
				fmt.Printf("Error:    %s\n", st.LastError)
			}
			return nil
		},
	}
}

// createStateCommand creates the state subcommand
func createStateCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Fetch the agent's session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := apiClient(globalFlags)
			if err != nil {
				return err
			}
			defer cancel()

			data, err := c.State(ctx)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
}

// createSendCommand creates the send subcommand
func createSendCommand(globalFlags *GlobalFlags) *cobra.Command {
	sendFlags := &SendFlags{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Forward a message to the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := apiClient(globalFlags)
			if err != nil {
				return err
			}
			defer cancel()

			data, err := c.SendMessage(ctx, sendFlags.Text, sendFlags.Channel)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}

	cmd.Flags().StringVar(&sendFlags.Text, "text", "", "message text (required)")
	cmd.Flags().StringVar(&sendFlags.Channel, "channel", "", "optional channel hint")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

// createConfigGetCommand creates the config-get subcommand
func createConfigGetCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config-get",
		Short: "Fetch the agent's runtime configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := apiClient(globalFlags)
			if err != nil {
				return err
			}
			defer cancel()

			data, err := c.GetConfig(ctx)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
}

// createConfigSetCommand creates the config-set subcommand
func createConfigSetCommand(globalFlags *GlobalFlags) *cobra.Command {
	setFlags := &ConfigSetFlags{}

	cmd := &cobra.Command{
		Use:   "config-set",
		Short: "Apply a configuration subset to the agent",
		Long: `Apply a partial configuration to the agent.

Examples:
  zombieclaw config-set --json='{"model":"fast"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch map[string]any
			if err := json.Unmarshal([]byte(setFlags.JSON), &patch); err != nil {
				return fmt.Errorf("invalid --json value: %w", err)
			}
			if len(patch) == 0 {
				return fmt.Errorf("--json must contain at least one key")
			}

			c, ctx, cancel, err := apiClient(globalFlags)
			if err != nil {
				return err
			}
			defer cancel()

			data, err := c.SetConfig(ctx, patch)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}

	cmd.Flags().StringVar(&setFlags.JSON, "json", "", "config subset as a JSON object (required)")
	_ = cmd.MarkFlagRequired("json")
	return cmd
}

// createEventsCommand creates the events subcommand
func createEventsCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow the daemon's notification stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, cancel, err := apiClient(globalFlags)
			if err != nil {
				return err
			}
			cancel() // events uses its own long-lived context

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return c.Events(ctx, func(n client.Notification) {
				line, err := json.Marshal(n)
				if err != nil {
					return
				}
				fmt.Println(string(line))
			})
		},
	}
}
