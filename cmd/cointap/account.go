package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cointap/internal/app"
	"cointap/internal/domain"
	"cointap/internal/engine"
	"cointap/internal/engine/auth"
)

func authCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "auth",
		Short: "Email one-time code sign in",
		Long:  "Request a code with 'auth request', then exchange it with 'auth verify'. Without an SMTP relay the code is written to the log.",
	}
	a.AddCommand(authRequestCmd())
	a.AddCommand(authVerifyCmd())
	return a
}

func authRequestCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "request <email>",
		Short: "Email a sign in code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := auth.ParseMode(mode)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Auth.RequestOTP(ctx, args[0], m); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"sent": true, "email": args[0], "mode": m})
				}
				fmt.Printf("Code sent to %s (%s); it expires in %s\n", args[0], m, rt.Config.OTP.TTL)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "login", "register or login")
	return cmd
}

func authVerifyCmd() *cobra.Command {
	var use bool
	cmd := &cobra.Command{
		Use:   "verify <email> <code>",
		Short: "Exchange a code for a session token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				sess, err := rt.Auth.VerifyOTP(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if use {
					if err := selectUser(sess.User.Email); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(sess)
				}
				verb := "Signed in"
				if sess.Created {
					verb = "Registered"
				}
				fmt.Printf("%s as %s (%s)\n", verb, sess.User.Email, sess.User.ID)
				fmt.Printf("Token (expires %s):\n%s\n", humanize.Time(sess.ExpiresAt), sess.Token)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&use, "use", true, "make this user the workspace default")
	return cmd
}

func useCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <email>",
		Short: "Set the acting user for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Engine.ResolveUser(ctx, args[0])
				if err != nil {
					return err
				}
				return selectUser(u.Email)
			})
		},
	}
}

func selectUser(email string) error {
	workspace := viper.GetString("workspace")
	if err := setEnvValue(filepath.Join(workspace, ".env"), "COINTAP_USER", email); err != nil {
		return err
	}
	fmt.Printf("Set COINTAP_USER=%s in %s/.env\n", email, workspace)
	return nil
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage accounts"}
	u.AddCommand(userCreateCmd())
	u.AddCommand(userShowCmd())
	u.AddCommand(userListCmd())
	u.AddCommand(userRenameCmd())
	u.AddCommand(userSetRateCmd())
	u.AddCommand(userSetRoleCmd())
	return u
}

func userCreateCmd() *cobra.Command {
	var opts engine.CreateUserOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account without the email code flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Email == "" {
				return fmt.Errorf("--email required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Engine.CreateUser(ctx, opts)
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Email, "email", "", "email address")
	cmd.Flags().StringVar(&opts.DisplayName, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Role, "role", domain.RoleUser, "user or admin")
	cmd.Flags().Float64Var(&opts.MiningRate, "rate", 0, "coins per cycle (config default when 0)")
	return cmd
}

func userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id|email]",
		Short: "Show an account; the acting user by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := userArg(ctx, rt, args)
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
}

func userListCmd() *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cursorTS, cursorID, err := splitCursor(cursor)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				users, err := rt.Engine.Repo.ListUsersWithCursor(ctx, limit, cursorTS, cursorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable("ID", "Email", "Name", "Coins", "Rate", "Tier", "Role")
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Email, u.DisplayName, coins(u.Coins), coins(u.MiningRate), u.Rank, u.Role})
				}
				tw.Render()
				if len(users) == limit && limit > 0 {
					last := users[len(users)-1]
					fmt.Printf("next: --cursor '%s|%s'\n", last.CreatedAt, last.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after created_at|id")
	return cmd
}

func userRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <display-name>",
		Short: "Change the acting user's display name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := currentUser(ctx, rt)
				if err != nil {
					return err
				}
				u, err = rt.Engine.UpdateProfile(ctx, u.ID, args[0])
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
}

func userSetRateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-rate <id|email> <coins>",
		Short: "Override coins credited per cycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rate, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid rate %q", args[1])
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Engine.ResolveUser(ctx, args[0])
				if err != nil {
					return err
				}
				u, err = rt.Engine.SetMiningRate(ctx, u.ID, rate)
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
}

func userSetRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-role <id|email> <user|admin>",
		Short: "Grant or revoke admin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Engine.ResolveUser(ctx, args[0])
				if err != nil {
					return err
				}
				u, err = rt.Engine.SetRole(ctx, u.ID, args[1])
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "API keys for non-interactive clients"}
	k.AddCommand(&cobra.Command{
		Use:   "create [name]",
		Short: "Create a key for the acting user; it is printed once",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := currentUser(ctx, rt)
				if err != nil {
					return err
				}
				key, plain, err := rt.Engine.CreateAPIKey(ctx, u.ID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "name": key.Name, "key": plain})
				}
				fmt.Printf("Created key %s for %s. Send it as X-Api-Key; it will not be shown again:\n%s\n", key.ID, u.Email, plain)
				return nil
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the acting user's keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := currentUser(ctx, rt)
				if err != nil {
					return err
				}
				keys, err := rt.Engine.Repo.ListAPIKeys(ctx, u.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Name", "Created")
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.Name, relTime(key.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete one of the acting user's keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := currentUser(ctx, rt)
				if err != nil {
					return err
				}
				if err := rt.Engine.Repo.DeleteAPIKey(ctx, u.ID, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	})
	return k
}

func userArg(ctx context.Context, rt *app.Runtime, args []string) (domain.User, error) {
	if len(args) == 1 {
		return rt.Engine.ResolveUser(ctx, args[0])
	}
	return currentUser(ctx, rt)
}

func printUser(u domain.User) error {
	if viper.GetBool("json") {
		return printJSON(u)
	}
	tw := newTable("Field", "Value")
	tw.AppendRows([]table.Row{
		{"ID", u.ID},
		{"Email", u.Email},
		{"Name", u.DisplayName},
		{"Coins", coins(u.Coins)},
		{"Mining rate", coins(u.MiningRate) + " / cycle"},
		{"Tier", u.Rank},
		{"Level", u.Level},
		{"Role", u.Role},
		{"Joined", relTime(u.CreatedAt)},
	})
	if u.LastMined != nil {
		tw.AppendRow(table.Row{"Last collected", relTime(*u.LastMined)})
	}
	tw.Render()
	return nil
}

func splitCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}
