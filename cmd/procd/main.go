package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot(os.Stdout)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the command tree. Command output goes to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	procdCommand := &command{global: globalFlags, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createDaemonCommand(procdCommand, &DaemonFlags{}),
		createStartCommand(procdCommand, &StartFlags{}),
		createStopCommand(procdCommand, &StopFlags{}),
		createStatusCommand(procdCommand, &StatusFlags{}),
		createLogCommand(procdCommand, &LogFlags{}),
		createCleanupCommand(procdCommand),
		createPingCommand(procdCommand),
		createKillInstanceCommand(procdCommand, &KillInstanceFlags{}),
		createListInstancesCommand(procdCommand),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "procd",
		Short: "Per-instance process supervisor daemon",
		Long: `procd runs a resident daemon per named instance that starts, tracks,
logs and terminates commands on behalf of disconnected clients. Clients
talk to it over a Unix socket under {base-dir}/{instance}/.

Examples:
  procd daemon                           # start the default instance
  procd --instance build start "make -j8" --name make
  procd --instance build log make --follow
  procd list-instances`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	root.PersistentFlags().StringVarP(&flags.Instance, "instance", "i", "", "instance name (default \"default\")")
	root.PersistentFlags().StringVar(&flags.BaseDir, "base-dir", "", "directory holding instance directories (default /tmp/daemon_instances)")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 0, "request timeout (default from config)")

	return root
}

// createDaemonCommand creates the daemon subcommand
func createDaemonCommand(procdCommand *command, daemonFlags *DaemonFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon for an instance",
		Long: `Run the daemon for an instance. By default the daemon detaches into its
own session and logs to {instance}/daemon.log; --foreground keeps it attached
and logs to stderr.

Examples:
  procd daemon
  procd --instance ci daemon --foreground`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return procdCommand.Daemon(cmd.Context(), *daemonFlags)
		},
	}

	cmd.Flags().BoolVarP(&daemonFlags.Foreground, "foreground", "f", false, "stay attached to the terminal")
	cmd.Flags().BoolVar(&daemonFlags.Detached, "detached", false, "")
	cmd.Flags().DurationVar(&daemonFlags.Wait, "wait", defaultDaemonReady, "how long to wait for a detached daemon to become ready")
	_ = cmd.Flags().MarkHidden("detached")

	return cmd
}

// createStartCommand creates the start subcommand
func createStartCommand(procdCommand *command, startFlags *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [flags] <command> | -- <argv...>",
		Short: "Start a process",
		Long: `Start a process. A single argument is run through /bin/sh -c; several
arguments after -- are executed directly.

Examples:
  procd start "python app.py" --name web
  procd start --dir /srv/app -- ./server --port 8080`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *startFlags
			f.Args = args
			return procdCommand.Start(cmd.Context(), f)
		},
	}

	cmd.Flags().StringVar(&startFlags.ID, "name", "", "process id (default proc_N)")
	cmd.Flags().StringVar(&startFlags.WorkDir, "dir", "", "working directory")
	cmd.Flags().StringArrayVar(&startFlags.EnvKVs, "env", nil, "extra KEY=VALUE environment (repeatable)")

	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(procdCommand *command, stopFlags *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a process",
		Long: `Stop a process with SIGTERM, escalating to SIGKILL after stop_timeout.

Examples:
  procd stop web
  procd stop web --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *stopFlags
			f.ID = args[0]
			return procdCommand.Stop(cmd.Context(), f)
		},
	}

	cmd.Flags().BoolVar(&stopFlags.Force, "force", false, "send SIGKILL immediately")

	return cmd
}

func createStatusCommand(procdCommand *command, statusFlags *StatusFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "Show process status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *statusFlags
			if len(args) == 1 {
				f.ID = args[0]
			}
			return procdCommand.Status(cmd.Context(), f)
		},
	}
}

// createLogCommand creates the log subcommand
func createLogCommand(procdCommand *command, logFlags *LogFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <id>",
		Short: "Show process output",
		Long: `Show the last lines of a process log. With --follow new output is
printed until interrupted.

Examples:
  procd log web --lines 200
  procd log web --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *logFlags
			f.ID = args[0]
			return procdCommand.Log(cmd.Context(), f)
		},
	}

	cmd.Flags().IntVarP(&logFlags.Lines, "lines", "n", 0, "number of lines (default from config, 50)")
	cmd.Flags().BoolVarP(&logFlags.Follow, "follow", "F", false, "stream new lines")

	return cmd
}

func createCleanupCommand(procdCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove finished, crashed and killed processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return procdCommand.Cleanup(cmd.Context())
		},
	}
}

func createPingCommand(procdCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return procdCommand.Ping(cmd.Context())
		},
	}
}

// createKillInstanceCommand creates the kill-instance subcommand
func createKillInstanceCommand(procdCommand *command, killFlags *KillInstanceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill-instance [name]",
		Short: "Kill every process of an instance and stop its daemon",
		Long: `Kill every process of an instance and stop its daemon. When the daemon
does not answer on its socket it is sent SIGTERM, then SIGKILL after --wait.

Examples:
  procd kill-instance
  procd kill-instance build`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *killFlags
			if len(args) == 1 {
				f.Name = args[0]
			}
			return procdCommand.KillInstance(cmd.Context(), f)
		},
	}

	cmd.Flags().DurationVar(&killFlags.Wait, "wait", defaultKillWait, "grace period before SIGKILL when signalling the daemon directly")

	return cmd
}

func createListInstancesCommand(procdCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "list-instances",
		Short: "List instances under the base dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return procdCommand.ListInstances(cmd.Context())
		},
	}
}
