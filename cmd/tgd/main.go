// Command tgd runs the public relay: agent registration, credential
// verification, and bidirectional frame forwarding between agents and
// browser clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/termgate/termgate/internal/logger"
	"github.com/termgate/termgate/internal/relay"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		hostFlag          string
		portFlag          int
		auditDBFlag       string
		adminUserFlag     string
		adminPasswordFlag string
		logLevelFlag      string
		logFileFlag       string
	)

	cmd := &cobra.Command{
		Use:          "tgd",
		Short:        "termgate relay — public broker for termgate agents",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevelFlag, logFileFlag); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}

			srv := relay.NewServer(relay.NewBroker())
			srv.AdminUser = adminUserFlag
			srv.AdminPassword = adminPasswordFlag
			if adminPasswordFlag == "" {
				slog.Info("admin surface disabled (no --admin-password)")
			}

			if auditDBFlag != "" {
				audit, err := relay.OpenAudit(auditDBFlag)
				if err != nil {
					return err
				}
				defer audit.Close()
				srv.Audit = audit
				slog.Info("audit log enabled", "path", auditDBFlag)
			}

			addr := fmt.Sprintf("%s:%d", hostFlag, portFlag)
			httpSrv := &http.Server{
				Addr:              addr,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				slog.Info("relay listening", "addr", addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				slog.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().StringVar(&hostFlag, "host", "0.0.0.0", "listen host")
	cmd.Flags().IntVar(&portFlag, "port", 8080, "listen port")
	cmd.Flags().StringVar(&auditDBFlag, "audit-db", "", "sqlite file for the audit log (empty disables)")
	cmd.Flags().StringVar(&adminUserFlag, "admin-user", "admin", "admin username")
	cmd.Flags().StringVar(&adminPasswordFlag, "admin-password", "", "admin password (empty disables the admin surface)")
	cmd.Flags().StringVar(&logLevelFlag, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFileFlag, "log-file", "", "also write logs to this file")

	return cmd
}
