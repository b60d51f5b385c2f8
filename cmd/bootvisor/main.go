package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// exitCodeError ends the process with a specific status without printing anything more.
type exitCodeError struct{ code int }

func (e *exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(globalFlags),
		createCheckConfigCommand(globalFlags),
		createTokenCommand(globalFlags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "bootvisor",
		Short: "Supervise a single worker process driven by a config file",
		Long: `Bootvisor keeps one worker process running while the "enabled" flag in its
config file is true, restarts it with backoff when it crashes, and stops it
gracefully when the flag turns false.

Examples:
  bootvisor serve /etc/bootvisor.toml
  bootvisor status --api-url=http://127.0.0.1:7070
  bootvisor status --file=/run/bootvisor/status.json
  bootvisor check-config /etc/bootvisor.toml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the bootvisor daemon",
		Long: `Start the bootvisor daemon. The [worker], [health], [daemon] and [log]
sections are read once; enabled and the policy keys are re-read every
poll_interval_seconds.

Examples:
  bootvisor serve config.toml
  bootvisor serve --config=config.toml --daemonize --logfile=/var/log/bootvisor.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(cmd.OutOrStdout(), serveFlags, args)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	statusFlags := &StatusFlags{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker status",
		Long: `Query the worker status from a running daemon or from its status file.

Exit codes:
  0  worker ok (running, or stopped after having run)
  3  worker never started
  4  restart ceiling reached, manual intervention required
  1  daemon unreachable or other error

Examples:
  bootvisor status
  bootvisor status --config=config.toml --json
  bootvisor status --file=/run/bootvisor/status.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statusFlags.ConfigPath = globalFlags.ConfigPath
			code, err := runStatus(cmd.Context(), cmd.OutOrStdout(), statusFlags)
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "", "status API URL (default from config status_listen, else http://127.0.0.1:7070)")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 5*time.Second, "request timeout")
	cmd.Flags().StringVar(&statusFlags.File, "file", "", "read the status file instead of the API")
	cmd.Flags().BoolVar(&statusFlags.JSON, "json", false, "print the raw JSON report")
	cmd.Flags().StringVar(&statusFlags.CACert, "ca-cert", "", "CA certificate for an https API URL")
	cmd.Flags().BoolVar(&statusFlags.Insecure, "insecure", false, "skip TLS verification")
	cmd.Flags().StringVar(&statusFlags.Token, "token", "", "bearer token (minted from the config secret when --config is given)")
	return cmd
}

func createCheckConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	checkFlags := &CheckConfigFlags{}

	cmd := &cobra.Command{
		Use:   "check-config [config.toml]",
		Short: "Validate a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			checkFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				checkFlags.ConfigPath = args[0]
			}
			return runCheckConfig(cmd.OutOrStdout(), checkFlags)
		},
	}
	cmd.Flags().BoolVar(&checkFlags.JSON, "json", false, "print the parsed policy as JSON")
	return cmd
}

func createTokenCommand(globalFlags *GlobalFlags) *cobra.Command {
	tokenFlags := &TokenFlags{}

	cmd := &cobra.Command{
		Use:   "token [config.toml]",
		Short: "Mint a bearer token for the status API",
		Long: `Sign a token with the [daemon.auth] secret of the config file.

Examples:
  bootvisor token /etc/bootvisor.toml --subject=monitoring --ttl=720h
  curl -H "Authorization: Bearer $(bootvisor token /etc/bootvisor.toml)" http://127.0.0.1:7070/status`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokenFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				tokenFlags.ConfigPath = args[0]
			}
			return runToken(cmd.OutOrStdout(), tokenFlags)
		},
	}
	cmd.Flags().StringVar(&tokenFlags.Subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&tokenFlags.TTL, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "bootvisor", version)
		},
	}
}
