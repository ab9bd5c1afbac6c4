package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI and returns the process exit code: the primary
// child's code after a session, 1 on any failure.
func execute(args []string, stdout, stderr io.Writer) int {
	code := 0
	root := buildRoot(&code)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags holds flags of the bare session command.
type RunFlags struct {
	NoBrowser bool
	NoMonitor bool
}

// ReapFlags holds flags for the reap command.
type ReapFlags struct {
	Force bool
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	JSON bool
}

func buildRoot(code *int) *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}

	root := &cobra.Command{
		Use:   "sessionr",
		Short: "Launch the signal dashboard and its alert monitor",
		Long: `sessionr starts the dashboard and the alert monitor as one session.
Leftovers of a previous session are terminated first, the dashboard port is
reclaimed, and every child writes into one shared log file. The session ends
when the dashboard exits; the monitor is stopped with it.

Examples:
  sessionr                          # run with defaults
  sessionr --config sessionr.toml   # run with a config file
  sessionr reap                     # only clean up a crashed session
  sessionr status                   # show the ledger and session lock`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := runSession(cmd.Context(), globalFlags, runFlags)
			*code = c
			return err
		},
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.Flags().BoolVar(&runFlags.NoBrowser, "no-browser", false, "do not open the dashboard in a browser")
	root.Flags().BoolVar(&runFlags.NoMonitor, "no-monitor", false, "run the dashboard only")

	root.AddCommand(
		createReapCommand(globalFlags),
		createStatusCommand(globalFlags),
	)
	return root
}

func createReapCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ReapFlags{}
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Terminate leftovers of a crashed session",
		Long: `Kill every PID recorded in the ledger, clear it, and free the dashboard
port. Refuses to run while a live session holds the session lock unless
--force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReap(cmd.Context(), cmd.OutOrStdout(), globalFlags, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Force, "force", false, "reap even while a session is running")
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the ledger and whether a session is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), globalFlags, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}
