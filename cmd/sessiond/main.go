package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// SpawnFlags holds flags for the spawn command.
type SpawnFlags struct {
	Directory      string
	SessionID      string
	Agent          string
	Approve        bool
	CredentialFile string
}

// ReportFlags holds flags for the report command.
type ReportFlags struct {
	SessionID string
	PID       int
	StartedBy string
	Directory string
}

// DaemonStartFlags holds flags for daemon start.
type DaemonStartFlags struct {
	Foreground bool
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	spawnFlags := &SpawnFlags{}
	reportFlags := &ReportFlags{}
	startFlags := &DaemonStartFlags{}

	root := &cobra.Command{
		Use:           "sessiond",
		Short:         "supervises agent coding sessions on this machine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&global.ConfigPath, "config", "", "path to sessiond.toml")

	root.AddCommand(
		createVersionCommand(),
		createDaemonCommand(global, startFlags),
		createSpawnCommand(global, spawnFlags),
		createStopCommand(global),
		createListCommand(global),
		createReportCommand(global, reportFlags),
	)
	return root
}
