package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"observatorio/internal/app"
	"observatorio/internal/config"
	"observatorio/internal/domain"
	"observatorio/internal/session"
)

func loginCmd() *cobra.Command {
	var login, email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with a password or a one-time email code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if email != "" || (login == "" && rt.Config.Auth.Protocol == config.ProtocolEmailCode) {
					return emailLogin(ctx, rt, email)
				}
				if login == "" {
					var err error
					if login, err = readLine("Login: "); err != nil {
						return err
					}
				}
				password := viper.GetString("password")
				if password == "" {
					var err error
					if password, err = readSecret("Password: "); err != nil {
						return err
					}
				}
				s, err := rt.Session.Login(ctx, session.PasswordCredentials{Login: login, Password: password})
				if err != nil {
					return err
				}
				return printSession(s, false)
			})
		},
	}
	cmd.Flags().StringVar(&login, "login", "", "login name")
	cmd.Flags().String("password", "", "password (prompted when omitted; env OBS_PASSWORD)")
	cmd.Flags().StringVar(&email, "email", "", "request a one-time code for this address")
	_ = viper.BindPFlag("password", cmd.Flags().Lookup("password"))
	cmd.AddCommand(loginVerifyCmd())
	return cmd
}

func emailLogin(ctx context.Context, rt *app.Runtime, email string) error {
	if email == "" {
		var err error
		if email, err = readLine("Email: "); err != nil {
			return err
		}
	}
	if err := rt.Session.SendCode(ctx, email); err != nil {
		return err
	}
	if !stdinIsTerminal() {
		fmt.Printf("Code sent to %s. Finish with: obs login verify --code <code>\n", email)
		return nil
	}
	code, err := readLine(fmt.Sprintf("Code sent to %s: ", email))
	if err != nil {
		return err
	}
	s, err := rt.Session.ValidateCode(ctx, code)
	if err != nil {
		return err
	}
	return printSession(s, false)
}

func loginVerifyCmd() *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Complete an email code login",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				email, ok := rt.Session.PendingEmail(ctx)
				if !ok {
					return fmt.Errorf("no code pending; run obs login --email <address> first")
				}
				if code == "" {
					var err error
					if code, err = readLine(fmt.Sprintf("Code sent to %s: ", email)); err != nil {
						return err
					}
				}
				s, err := rt.Session.ValidateCode(ctx, code)
				if err != nil {
					return err
				}
				return printSession(s, false)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "one-time code")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Session.Logout(ctx); err != nil {
					return err
				}
				fmt.Println("Signed out.")
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, ok := rt.Session.Current()
				if !ok {
					return app.ErrNotAuthenticated
				}
				return printSession(s, rt.Session.Expired())
			})
		},
	}
}

func printSession(s domain.Session, expired bool) error {
	if viper.GetBool("json") {
		return printJSON(struct {
			domain.Session
			Expired bool `json:"expired"`
		}{s, expired})
	}
	expires := "unknown"
	if s.TokenExpiresAt != nil {
		expires = humanize.Time(*s.TokenExpiresAt)
		if expired {
			expires += " (expired, sign in again)"
		}
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"User", s.User.DisplayName()},
		{"Login", s.User.Login},
		{"Email", s.User.Email},
		{"Role", fmt.Sprintf("%s (%s)", s.Role().Label(), s.Role())},
		{"Token expires", expires},
	})
	tw.Render()
	return nil
}
