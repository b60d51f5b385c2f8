package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/bootvisor/internal/auth"
	"github.com/loykin/bootvisor/internal/config"
	"github.com/loykin/bootvisor/internal/daemon"
	"github.com/loykin/bootvisor/internal/statusfile"
	"github.com/loykin/bootvisor/internal/tls"
	"github.com/loykin/bootvisor/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:7070"

func runServe(out io.Writer, flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return errors.New("config file required for serve command. Use --config=config.toml or provide as argument")
	}

	// Validate before detaching so that config errors reach the terminal.
	fc, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := fc.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if flags.Daemonize && !isDaemonChild() {
		_, err := daemonize(flags.PidFile, flags.LogFile, out)
		return err
	}
	if isDaemonChild() && flags.PidFile != "" {
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	d, err := daemon.New(daemon.Options{ConfigPath: configPath, Config: fc})
	if err != nil {
		return err
	}
	return d.Run(context.Background())
}

// runStatus prints the worker status and returns the exit code for it.
func runStatus(ctx context.Context, out io.Writer, flags *StatusFlags) (int, error) {
	rep, err := fetchReport(ctx, flags)
	if err != nil {
		return 1, err
	}
	if flags.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return 1, err
		}
	} else {
		printReport(out, rep)
	}
	return rep.ExitCode(), nil
}

func fetchReport(ctx context.Context, flags *StatusFlags) (*client.Report, error) {
	file, apiURL, caCert, token := flags.File, flags.APIUrl, flags.CACert, flags.Token
	if file == "" && apiURL == "" && flags.ConfigPath != "" {
		fc, err := config.Load(flags.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		if token == "" && fc.Daemon.Auth.Enabled() {
			if token, err = mintToken(fc.Daemon.Auth, "bootvisor-cli", time.Minute); err != nil {
				return nil, err
			}
		}
		switch {
		case fc.Daemon.StatusListen != "":
			apiURL = listenURL(fc.Daemon.StatusListen, fc.Daemon.TLS.Enabled)
			if caCert == "" && fc.Daemon.TLS.Enabled && fc.Daemon.TLS.CertFile == "" {
				caCert = filepath.Join(fc.Daemon.TLS.Dir, tls.CACertFile)
			}
		case fc.Daemon.StatusFile != "":
			file = fc.Daemon.StatusFile
		}
	}

	if file != "" {
		r, err := statusfile.Read(file)
		if err != nil {
			return nil, err
		}
		// same JSON shape on both sides
		b, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		var rep client.Report
		if err := json.Unmarshal(b, &rep); err != nil {
			return nil, err
		}
		return &rep, nil
	}

	if apiURL == "" {
		apiURL = defaultAPIUrl
	}
	cfg := client.Config{BaseURL: apiURL, Timeout: flags.APITimeout, Insecure: flags.Insecure, Token: token}
	if caCert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: caCert}
	}
	rep, err := client.New(cfg).Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s: %w", apiURL, err)
	}
	return rep, nil
}

// listenURL turns a listen address such as ":7070" into a URL a client can dial.
func listenURL(listen string, secure bool) string {
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	if secure {
		return "https://" + listen
	}
	return "http://" + listen
}

func printReport(out io.Writer, rep *client.Report) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	row := func(k string, v any) { _, _ = fmt.Fprintf(tw, "%s:\t%v\n", k, v) }
	row("Worker", rep.Worker)
	row("Code", rep.Code)
	row("State", rep.State)
	row("Enabled", rep.Enabled)
	if rep.PID > 0 {
		row("PID", rep.PID)
	}
	if rep.UptimeSeconds > 0 {
		row("Uptime", (time.Duration(rep.UptimeSeconds * float64(time.Second))).Round(time.Second))
	}
	ceiling := "unlimited"
	if rep.MaxRestartAttempts >= 0 {
		ceiling = fmt.Sprint(rep.MaxRestartAttempts)
	}
	row("Restarts", fmt.Sprintf("%d/%s", rep.RestartCount, ceiling))
	if rep.LastError != "" {
		row("Last error", rep.LastError)
	}
	if rep.FatalReason != "" {
		row("Fatal reason", rep.FatalReason)
	}
	if rep.Degraded {
		row("Degraded", true)
	}
	_ = tw.Flush()
	if rep.Code == client.CodeFatal {
		_, _ = fmt.Fprintln(out, "Manual intervention required: set enabled = false, then true, to reset.")
	}
}

// mintToken signs a status API token with the configured secret.
func mintToken(cfg auth.Config, subject string, ttl time.Duration) (string, error) {
	signer, err := auth.NewSigner(cfg)
	if err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	if signer == nil {
		return "", errors.New("daemon.auth is not configured")
	}
	return signer.Issue(subject, ttl)
}

func runToken(out io.Writer, flags *TokenFlags) error {
	if flags.ConfigPath == "" {
		return errors.New("config file required. Use --config=config.toml or provide as argument")
	}
	fc, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	tok, err := mintToken(fc.Daemon.Auth, flags.Subject, flags.TTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, tok)
	return err
}

func runCheckConfig(out io.Writer, flags *CheckConfigFlags) error {
	if flags.ConfigPath == "" {
		return errors.New("config file required. Use --config=config.toml or provide as argument")
	}
	fc, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	if err := fc.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	snap, err := config.NewFileSource(flags.ConfigPath).Read()
	if err != nil {
		return err
	}
	if flags.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	ceiling := fmt.Sprint(snap.MaxRestartAttempts)
	if snap.Unlimited() {
		ceiling = "unlimited"
	}
	_, _ = fmt.Fprintf(out, "config ok: worker %q, enabled=%t, poll every %s, restart ceiling %s\n",
		fc.Worker.Name, snap.Enabled, snap.PollInterval, ceiling)
	return nil
}
