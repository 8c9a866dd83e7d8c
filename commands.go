package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gluk-w/claworc/scout/internal/broadcast"
	"github.com/gluk-w/claworc/scout/internal/config"
	"github.com/gluk-w/claworc/scout/internal/crypto"
	"github.com/gluk-w/claworc/scout/internal/database"
	"github.com/gluk-w/claworc/scout/internal/endpoints"
	"github.com/gluk-w/claworc/scout/internal/sshaudit"
	"github.com/gluk-w/claworc/scout/internal/sshkeys"
)

func newExecCmd() *cobra.Command {
	var (
		dir     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "exec <endpoint> <command>",
		Short: "Run a shell command on one endpoint",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			a, err := wireApp(settings)
			if err != nil {
				return err
			}
			defer a.close()

			if timeout <= 0 {
				timeout = settings.CommandTimeout
			}
			op := broadcast.Operation{Kind: broadcast.OpCommand, Command: strings.Join(args[1:], " ")}
			out, err := a.executor.Execute(cmd.Context(), broadcast.Target{Endpoint: args[0], Path: dir}, op, timeout)
			if err != nil {
				return err
			}
			a.auditor.RecordOutcome(sshaudit.EventCommand, "", op, out)

			if out.Output != "" {
				fmt.Fprint(cmd.OutOrStdout(), out.Output)
				if !strings.HasSuffix(out.Output, "\n") {
					fmt.Fprintln(cmd.OutOrStdout())
				}
			}
			if !out.Success {
				return fmt.Errorf("%s: %s", out.Endpoint, out.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "working directory on the endpoint")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "command timeout (default SCOUT_COMMAND_TIMEOUT)")
	return cmd
}

func newBroadcastCmd() *cobra.Command {
	var (
		command string
		timeout time.Duration
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "broadcast [--command CMD] <endpoint[:/path]>...",
		Short: "Read a path or run a command on many endpoints at once",
		Long:  "Without --command every target must name a path, which is read (files) or listed (directories). With --command the path, if given, is the working directory.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := make([]broadcast.Target, 0, len(args))
			for _, arg := range args {
				t, err := broadcast.ParseTarget(arg)
				if err != nil {
					return err
				}
				targets = append(targets, t)
			}
			op := broadcast.Operation{Kind: broadcast.OpRead}
			if command != "" {
				op = broadcast.Operation{Kind: broadcast.OpCommand, Command: command}
			}

			settings, err := config.Load()
			if err != nil {
				return err
			}
			a, err := wireApp(settings)
			if err != nil {
				return err
			}
			defer a.close()

			if timeout <= 0 {
				timeout = settings.CommandTimeout
			}
			results, err := a.executor.Broadcast(cmd.Context(), targets, op, timeout)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			} else {
				writeOutcomes(cmd.OutOrStdout(), results)
			}

			failed := 0
			for _, r := range results {
				if !r.Success {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d target(s) failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "shell command to run instead of reading paths")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-target timeout (default SCOUT_COMMAND_TIMEOUT)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func writeOutcomes(w io.Writer, results []broadcast.TargetOutcome) {
	for _, r := range results {
		label := r.Endpoint
		if r.Path != "" {
			label += ":" + r.Path
		}
		status := "ok"
		if !r.Success {
			status = "FAILED"
		}
		fmt.Fprintf(w, "== %s [%s, %s]\n", label, status, r.Duration.Round(time.Millisecond))
		if r.Output != "" {
			fmt.Fprint(w, r.Output)
			if !strings.HasSuffix(r.Output, "\n") {
				fmt.Fprintln(w)
			}
		}
		if r.Error != "" {
			fmt.Fprintf(w, "error: %s\n", r.Error)
		}
	}
}

func newEndpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "List known endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			db, box, err := openStore(settings)
			if err != nil {
				return err
			}
			defer database.Close(db)

			reg, err := loadRegistry(settings, db, box)
			if err != nil {
				return err
			}
			writeEndpoints(cmd.OutOrStdout(), reg.All())
			return nil
		},
	}
	cmd.AddCommand(newEndpointsAddCmd())
	return cmd
}

func writeEndpoints(w io.Writer, eps []endpoints.Endpoint) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tUSER\tAUTH")
	for _, ep := range eps {
		auth := "default key"
		switch {
		case ep.IdentityFile != "":
			auth = "identity " + ep.IdentityFile
		case ep.Password != "":
			auth = "password " + crypto.Mask(ep.Password)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ep.Name, ep.Address(), ep.User, auth)
	}
	tw.Flush()
}

func newEndpointsAddCmd() *cobra.Command {
	var rec database.EndpointRecord
	var password string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update an endpoint stored in the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ep := endpoints.Endpoint{Name: rec.Name, Host: rec.Host, Port: rec.Port, User: rec.User}
			if err := ep.Validate(); err != nil {
				return err
			}

			settings, err := config.Load()
			if err != nil {
				return err
			}
			db, box, err := openStore(settings)
			if err != nil {
				return err
			}
			defer database.Close(db)

			if password != "" {
				if rec.Password, err = box.Encrypt(password); err != nil {
					return err
				}
			}
			if err := database.SaveEndpoint(db, &rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved endpoint %s (%s)\n", rec.Name, ep.Address())
			return nil
		},
	}
	cmd.Flags().StringVar(&rec.Name, "name", "", "endpoint name (required)")
	cmd.Flags().StringVar(&rec.Host, "host", "", "host name or IP (required)")
	cmd.Flags().IntVar(&rec.Port, "port", endpoints.DefaultPort, "SSH port")
	cmd.Flags().StringVar(&rec.User, "user", "", "login user (default SCOUT_DEFAULT_USER)")
	cmd.Flags().StringVar(&rec.IdentityFile, "identity-file", "", "private key file for this endpoint")
	cmd.Flags().StringVar(&password, "password", "", "password, stored encrypted")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create the client key pair if needed and print its public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			_, publicKey, err := sshkeys.EnsureKeyPair(settings.DataPath)
			if err != nil {
				return err
			}
			fingerprint, err := sshkeys.Fingerprint([]byte(publicKey))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), publicKey)
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", fingerprint)
			return nil
		},
	}
}
