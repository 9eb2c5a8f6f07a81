package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sessiond/sessiond/internal/config"
	"github.com/sessiond/sessiond/internal/daemon"
	"github.com/sessiond/sessiond/pkg/client"
)

func createVersionCommand() *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the sessiond version",
		Run: func(cmd *cobra.Command, _ []string) {
			if plain {
				cmd.Println(Version)
				return
			}
			cmd.Printf("sessiond %s\n", Version)
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "print only the bare version string")
	return cmd
}

func createDaemonCommand(global *GlobalFlags, startFlags *DaemonStartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background daemon",
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(global.ConfigPath)
			if err != nil {
				return err
			}
			if !startFlags.Foreground {
				if err := daemonize(global.ConfigPath); err != nil {
					return err
				}
				// daemonize only returns in the detached child
			}
			return daemon.Run(cfg, global.ConfigPath, Version)
		},
	}
	start.Flags().BoolVar(&startFlags.Foreground, "foreground", false, "run in the foreground instead of detaching")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := connect(global)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := c.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown request failed: %w", err)
			}
			fmt.Println("daemon stopping")
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(global.ConfigPath)
			if err != nil {
				return err
			}
			c, err := connect(global)
			if err != nil {
				fmt.Println("daemon: not running")
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			st, err := c.Status(ctx)
			if err != nil {
				fmt.Println("daemon: not responding")
				return nil
			}
			fmt.Printf("daemon: running\nsessions: %d\ndata dir: %s\n", st.Sessions, cfg.Daemon.DataDir)
			return nil
		},
	}

	cmd.AddCommand(start, stop, status)
	return cmd
}

func createSpawnCommand(global *GlobalFlags, flags *SpawnFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn a new agent session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := flags.Directory
			if dir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				dir = wd
			}
			credential := ""
			if flags.CredentialFile != "" {
				b, err := os.ReadFile(flags.CredentialFile)
				if err != nil {
					return fmt.Errorf("read credential file: %w", err)
				}
				credential = strings.TrimSpace(string(b))
			}
			c, err := connect(global)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			reply, err := c.Spawn(ctx, client.SpawnRequest{
				Directory:  dir,
				SessionID:  flags.SessionID,
				Agent:      flags.Agent,
				Approved:   flags.Approve,
				Credential: credential,
			})
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
					return fmt.Errorf("%s (re-run with --approve to create it)", apiErr.Message)
				}
				return err
			}
			if reply.Synthetic {
				fmt.Printf("session %s (pid %d, no self-report yet)\n", reply.SessionID, reply.PID)
			} else {
				fmt.Printf("session %s (pid %d)\n", reply.SessionID, reply.PID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Directory, "dir", "", "working directory for the session (default: current directory)")
	cmd.Flags().StringVar(&flags.SessionID, "session", "", "session id to resume")
	cmd.Flags().StringVar(&flags.Agent, "agent", "", "agent kind to launch")
	cmd.Flags().BoolVar(&flags.Approve, "approve", false, "create the directory if it does not exist")
	cmd.Flags().StringVar(&flags.CredentialFile, "credential-file", "", "file whose contents are passed to the agent as a credential")
	return cmd
}

func createStopCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(global)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := c.Stop(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("stopped %s\n", args[0])
			return nil
		},
	}
}

func createListCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := connect(global)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			sessions, err := c.List(ctx)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, s := range sessions {
				id := s.SessionID
				if id == "" {
					id = "(unreported)"
				}
				fmt.Printf("%-40s pid=%-8d %-20s %s\n", id, s.PID, s.Origin, s.Directory)
			}
			return nil
		},
	}
}

func createReportCommand(global *GlobalFlags, flags *ReportFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "report",
		Short:  "Report a session to the daemon (used by agents)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.SessionID == "" || flags.PID <= 0 {
				return errors.New("--session and --pid are required")
			}
			c, err := connect(global)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			return c.Report(ctx, flags.SessionID, flags.PID, flags.StartedBy, flags.Directory)
		},
	}
	cmd.Flags().StringVar(&flags.SessionID, "session", "", "session id")
	cmd.Flags().IntVar(&flags.PID, "pid", 0, "session process id")
	cmd.Flags().StringVar(&flags.StartedBy, "started-by", "", "who started the session")
	cmd.Flags().StringVar(&flags.Directory, "dir", "", "session working directory")
	return cmd
}
