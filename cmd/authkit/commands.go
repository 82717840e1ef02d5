package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/d-kuro/authkit/pkg/retry"
	"github.com/d-kuro/authkit/pkg/types"
)

func newLoginCommand(ctx *commandContext) *cobra.Command {
	var email string
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.ensureClient(cmd.Context())
			if err != nil {
				return err
			}
			password, err := readPassword(cmd, passwordStdin)
			if err != nil {
				return err
			}
			result, err := client.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			return printSession(cmd, ctx.flags.json, result)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newRegisterCommand(ctx *commandContext) *cobra.Command {
	var req types.RegisterRequest
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.ensureClient(cmd.Context())
			if err != nil {
				return err
			}
			if req.Password, err = readPassword(cmd, passwordStdin); err != nil {
				return err
			}
			result, err := client.Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printSession(cmd, ctx.flags.json, result)
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "Account email")
	cmd.Flags().StringVar(&req.Name, "name", "", "Display name")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.ensureClient(cmd.Context())
			if err != nil {
				return err
			}
			result := client.Logout(cmd.Context())
			out := cmd.OutOrStdout()
			if ctx.flags.json {
				return writeJSON(out, map[string]any{
					"serverConfirmed": result.ServerConfirmed,
					"error":           errString(result.Err),
				})
			}
			if result.Err != nil {
				fmt.Fprintf(out, "Signed out locally; backend logout failed: %v\n", result.Err)
				return nil
			}
			fmt.Fprintln(out, "Signed out.")
			return nil
		},
	}
}

func newSocialCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "social <provider>",
		Short: "Sign in through a configured OAuth2 provider in the browser",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.ensureClient(cmd.Context())
			if err != nil {
				return err
			}
			result, err := client.SocialLogin(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printSession(cmd, ctx.flags.json, result)
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.ensureClient(cmd.Context())
			if err != nil {
				return err
			}
			status := client.Status()
			out := cmd.OutOrStdout()
			if ctx.flags.json {
				return writeJSON(out, status)
			}
			fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, statusRows(status), nil))
			return nil
		},
	}
}

func newCSRFCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "csrf",
		Short: "Fetch a CSRF token and print its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.ensureClient(cmd.Context())
			if err != nil {
				return err
			}
			tok, err := client.CSRFToken(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if ctx.flags.json {
				return writeJSON(out, map[string]any{"length": len(tok), "state": client.Status().CSRFState})
			}
			fmt.Fprintf(out, "CSRF token ready (%d characters)\n", len(tok))
			return nil
		},
	}
}

func newRequestCommand(ctx *commandContext) *cobra.Command {
	var data string
	var category string

	cmd := &cobra.Command{
		Use:   "request <method> <path>",
		Short: "Send an authenticated request to the backend",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.ensureClient(cmd.Context())
			if err != nil {
				return err
			}
			method := strings.ToUpper(args[0])
			if !methodAllowed(method) {
				return fmt.Errorf("unsupported method %q", args[0])
			}
			cat := retry.Category(category)
			if !isKnownCategory(cat) {
				return fmt.Errorf("unknown retry category %q", category)
			}

			var body any
			if data != "" {
				if !json.Valid([]byte(data)) {
					return errors.New("--data must be valid JSON")
				}
				body = json.RawMessage(data)
			}

			var out json.RawMessage
			if err := client.SendJSON(cmd.Context(), cat, method, args[1], body, &out); err != nil {
				// empty body
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	cmd.Flags().StringVar(&category, "category", string(retry.CategoryCRUD), "Retry category")
	return cmd
}

func readPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	if !fromStdin {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	return password, nil
}

func printSession(cmd *cobra.Command, asJSON bool, result *types.SessionResult) error {
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, result)
	}
	fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, sessionRows(result), nil))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func isKnownCategory(c retry.Category) bool {
	for _, known := range retry.Categories() {
		if known == c {
			return true
		}
	}
	return false
}

func methodAllowed(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
