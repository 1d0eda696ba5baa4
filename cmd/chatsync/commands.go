package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password and store the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			if email == "" {
				email = cfg.Email
			}

			if password == "" {
				password = cfg.Password
			}

			if email == "" {
				return errors.New("email required: pass --email or set CHATSYNC_EMAIL")
			}

			if password == "" {
				password, err = readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
			}

			rt, closeRuntime, err := open(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			defer closeRuntime()

			cred, err := rt.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", cred.SubjectID)

			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email (default $CHATSYNC_EMAIL)")
	cmd.Flags().StringVar(&password, "password", "", "account password (default $CHATSYNC_PASSWORD, else prompted)")

	return cmd
}

func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	fmt.Fprint(prompt, "Password: ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return "", errors.New("no password entered")
	}

	return strings.TrimRight(scanner.Text(), "\r\n"), nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			rt, closeRuntime, err := open(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			defer closeRuntime()

			if err := rt.Logout(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "signed out")

			return nil
		},
	}
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <text>...",
		Short: "Send a message to the channel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			rt, closeRuntime, err := open(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			defer closeRuntime()

			if err := rt.Start(cmd.Context()); err != nil {
				return err
			}

			m, err := rt.Send(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), m.ID)

			return nil
		},
	}
}

func newTailCmd() *cobra.Command {
	var (
		history int
		noColor bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print recent messages and follow the channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, closeRuntime, err := open(ctx, cfg, nil, logger)
			if err != nil {
				return err
			}
			defer closeRuntime()

			if err := rt.Start(ctx); err != nil {
				return err
			}

			p := newPrinter(cmd.OutOrStdout(), rt.Status().SubjectID, noColor)
			p.History(rt.Messages(), history)

			cancel := rt.List().Subscribe(p.Update)
			defer cancel()

			go rt.SuspendDetector().Run(ctx)

			<-ctx.Done()

			return nil
		},
	}

	cmd.Flags().IntVarP(&history, "lines", "n", 20, "number of past messages to print")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")

	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the connection status as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			rt, closeRuntime, err := open(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			defer closeRuntime()

			if err := rt.Start(cmd.Context()); err != nil {
				logger.Warn("start failed", slog.String("error", err.Error()))
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(rt.Status())
		},
	}
}
