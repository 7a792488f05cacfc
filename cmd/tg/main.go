// Command tg runs the local agent: it spawns the coding-assistant CLI in a
// PTY, serves it to browsers on a local port, and optionally dials a relay.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/config"
	"github.com/termgate/termgate/internal/direct"
	"github.com/termgate/termgate/internal/link"
	"github.com/termgate/termgate/internal/logger"
	"github.com/termgate/termgate/internal/pty"
)

const defaultCommand = "claude"

func main() {
	root := rootCmd()
	root.AddCommand(registerCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configFlag      string
		hostFlag        string
		portFlag        int
		workspaceFlag   string
		commandPathFlag string
		tokenFlag       string
		relayFlag       string
		agentIDFlag     string
		agentKeyFlag    string
		logLevelFlag    string
		logFileFlag     string
	)

	cmd := &cobra.Command{
		Use:          "tg",
		Short:        "termgate agent — remote terminal access to a local CLI",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFlag)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = hostFlag
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = portFlag
			}
			if cmd.Flags().Changed("workspace") {
				cfg.Workspace = workspaceFlag
			}
			if cmd.Flags().Changed("command-path") {
				cfg.CommandPath = commandPathFlag
			}
			if tokenFlag != "" {
				cfg.Token = tokenFlag
			}
			if relayFlag != "" {
				cfg.Relay.URL = relayFlag
			}
			if agentIDFlag != "" {
				cfg.Relay.AgentID = agentIDFlag
			}
			if agentKeyFlag != "" {
				cfg.Relay.AgentKey = agentKeyFlag
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevelFlag
			}
			if cmd.Flags().Changed("log-file") {
				cfg.Logging.File = logFileFlag
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			return runAgent(cfg)
		},
	}

	cmd.Flags().StringVar(&configFlag, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&hostFlag, "host", "127.0.0.1", "listen host")
	cmd.Flags().IntVar(&portFlag, "port", 8080, "listen port")
	cmd.Flags().StringVar(&workspaceFlag, "workspace", "", "working directory for the child CLI (default: cwd)")
	cmd.Flags().StringVar(&commandPathFlag, "command-path", "", "explicit path to the CLI binary")
	cmd.Flags().StringVar(&tokenFlag, "token", "", "access token (default: generated)")
	cmd.Flags().StringVar(&relayFlag, "relay", "", "relay base URL; enables relay mode")
	cmd.Flags().StringVar(&agentIDFlag, "agent-id", "", "agent id issued at registration")
	cmd.Flags().StringVar(&agentKeyFlag, "agent-key", "", "agent key issued at registration")
	cmd.Flags().StringVar(&logLevelFlag, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFileFlag, "log-file", "", "also write logs to this file")

	return cmd
}

func runAgent(cfg *config.Config) error {
	commandPath, err := pty.FindCommand(cfg.CommandPath, defaultCommand)
	if err != nil {
		return err
	}

	if cfg.Token == "" {
		cfg.Token = auth.NewToken(auth.AccessTokenBytes)
	}

	session := pty.NewSession(cfg.Workspace, commandPath)
	if err := session.Start(); err != nil {
		return fmt.Errorf("start terminal session: %w", err)
	}
	defer session.Stop()

	srv := direct.NewServer(cfg.Token, session)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Start(addr) }()

	if cfg.Relay.URL != "" {
		if cfg.Relay.AgentID == "" || cfg.Relay.AgentKey == "" {
			srv.Close()
			return errors.New("relay mode needs --agent-id and --agent-key (run `tg register` first)")
		}
		l := link.New(cfg.Relay.URL, cfg.Relay.AgentID, cfg.Relay.AgentKey, session)
		go func() { errCh <- l.Run(ctx) }()
	}

	printBanner(cfg)

	select {
	case <-ctx.Done():
		fmt.Println("\nshutting down...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			srv.Close()
			return err
		}
	}
	return srv.Close()
}

// printBanner shows the access URL, plus a QR code when stdout is a
// terminal so a phone can join by camera.
func printBanner(cfg *config.Config) {
	accessURL := fmt.Sprintf("http://%s:%d/?token=%s", cfg.Host, cfg.Port, url.QueryEscape(cfg.Token))

	fmt.Println("termgate agent running")
	fmt.Printf("  workspace: %s\n", cfg.Workspace)
	fmt.Printf("  access:    %s\n", accessURL)
	if cfg.Relay.URL != "" {
		fmt.Printf("  relay:     %s (agent %s)\n", cfg.Relay.URL, cfg.Relay.AgentID)
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		if qr, err := qrcode.New(accessURL, qrcode.Low); err == nil {
			fmt.Println(qr.ToSmallString(false))
		}
	}
}

func registerCmd() *cobra.Command {
	var relayFlag, nameFlag string

	cmd := &cobra.Command{
		Use:          "register",
		Short:        "Register this agent with a relay and print its credentials",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if relayFlag == "" {
				return errors.New("--relay is required")
			}
			base := strings.TrimSuffix(relayFlag, "/")
			resp, err := http.Post(base+"/api/agents?name="+url.QueryEscape(nameFlag), "", nil)
			if err != nil {
				return fmt.Errorf("register with relay: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("relay returned %s", resp.Status)
			}

			var body struct {
				AgentID  string `json:"agent_id"`
				AgentKey string `json:"agent_key"`
				Name     string `json:"name"`
				Message  string `json:"message"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode relay response: %w", err)
			}

			fmt.Printf("agent registered as %q\n", body.Name)
			fmt.Printf("  agent_id:  %s\n", body.AgentID)
			fmt.Printf("  agent_key: %s\n", body.AgentKey)
			fmt.Printf("\n%s\n", body.Message)
			fmt.Printf("\nstart the agent with:\n  tg --relay %s --agent-id %s --agent-key %s\n",
				relayFlag, body.AgentID, body.AgentKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&relayFlag, "relay", "", "relay base URL")
	cmd.Flags().StringVar(&nameFlag, "name", "default", "agent display name")
	return cmd
}
