package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"observatorio/internal/app"
	"observatorio/internal/config"
	"observatorio/internal/db"
	"observatorio/internal/domain"
	"observatorio/internal/engine"
	"observatorio/internal/migrate"
	"observatorio/internal/repo"
	"observatorio/internal/server"
	observatoriosdk "observatorio/sdk/go"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local HTTP API backed by sqlite",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, cfg *config.Config, e engine.Engine) error {
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				if err := e.SeedReference(ctx, cfg.Server.Squads, cfg.Server.Customers); err != nil {
					return err
				}
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), TokenTTL: cfg.Server.TokenTTL}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("OBS_JWT_SECRET is required for bearer auth")
				}
				registry := prometheus.NewRegistry()
				registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     authCfg,
					Metrics:  server.NewMetrics(registry),
				})
				if err != nil {
					return err
				}
				if d := server.NewWebhookDispatcher(e.Repo, cfg.Server.Webhooks, clock.WallClock); d != nil {
					go d.Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						logger.Warningf("shutdown: %v", err)
					}
				}()
				fmt.Printf("Serving Observatorio API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().String("jwt-secret", "", "HMAC secret for bearer tokens (env OBS_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func backendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Administer the local backend database",
	}
	user := &cobra.Command{Use: "user", Short: "Manage backend users"}
	user.AddCommand(backendUserAddCmd())
	user.AddCommand(backendUserListCmd())
	cmd.AddCommand(user)
	cmd.AddCommand(backendSeedCmd())
	return cmd
}

func backendUserAddCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	var role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRole(role)
			if err != nil {
				return err
			}
			opts.Role = r
			if opts.Password == "" {
				if opts.Password, err = readSecret("Password: "); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, _ *config.Config, e engine.Engine) error {
				u, err := e.CreateUser(ctx, opts, "cli")
				if err != nil {
					return err
				}
				return printUsers([]repo.User{u})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Login, "login", "", "login name")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email address for code logins")
	cmd.Flags().StringVar(&opts.Password, "password", "", "password (prompted when omitted)")
	cmd.Flags().StringVar(&role, "role", "contributor", "contributor or approver")
	_ = cmd.MarkFlagRequired("login")
	return cmd
}

func backendUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, _ *config.Config, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				return printUsers(users)
			})
		},
	}
}

func printUsers(users []repo.User) error {
	out := make([]domain.User, len(users))
	for i, u := range users {
		out[i] = u.User
	}
	return printJSONOrTable(out, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Login", "Name", "Email", "Role"})
		for _, u := range users {
			tw.AppendRow(table.Row{u.ID, u.Login, u.Name, u.Email, u.Role.Label()})
		}
	})
}

func parseRole(v string) (domain.Role, error) {
	switch v {
	case "contributor", string(domain.RoleContributor):
		return domain.RoleContributor, nil
	case "approver", string(domain.RoleApprover):
		return domain.RoleApprover, nil
	}
	return "", fmt.Errorf("invalid role %q: use contributor or approver", v)
}

func backendSeedCmd() *cobra.Command {
	var squads, customers []string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create squads and business areas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, cfg *config.Config, e engine.Engine) error {
				if len(squads) == 0 && len(customers) == 0 {
					squads, customers = cfg.Server.Squads, cfg.Server.Customers
				}
				if err := e.SeedReference(ctx, squads, customers); err != nil {
					return err
				}
				fmt.Printf("Seeded %d squad(s) and %d business area(s).\n", len(squads), len(customers))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&squads, "squad", nil, "squad name (repeatable; default from config)")
	cmd.Flags().StringSliceVar(&customers, "customer", nil, "business area name (repeatable; default from config)")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the audit log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var remote bool
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote {
				return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
					page, err := rt.Client.Events(ctx, observatoriosdk.EventQuery{
						Type: evtType, EntityKind: entityKind, EntityID: entityID, Limit: n,
					})
					if err != nil {
						return err
					}
					return printEvents(page.Items)
				})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, _ *config.Config, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, repo.EventFilters{
					Type: evtType, EntityKind: entityKind, EntityID: entityID,
				})
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().BoolVar(&remote, "remote", false, "read the log of the configured API instead of the local backend")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func printEvents(events []domain.Event) error {
	return printJSONOrTable(events, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
		for _, evt := range events {
			entity := evt.EntityKind
			if evt.EntityID != "" {
				entity += ":" + evt.EntityID
			}
			tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, entity, evt.ActorID})
		}
	})
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage observatorio.yml",
	}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configSetURLCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(runtimeOptions())
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.ResolveConfig(runtimeOptions()); err != nil {
				return err
			}
			fmt.Println("Config OK")
			return nil
		},
	}
}

func configSetURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-url <url>",
		Short: "Point the CLI at an API by writing OBS_BASE_URL to the workspace .env",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.API.BaseURL = args[0]
			if err := cfg.Validate(); err != nil {
				return err
			}
			path := filepath.Join(viper.GetString("workspace"), ".env")
			values, err := godotenv.Read(path)
			if err != nil {
				if !os.IsNotExist(err) {
					return err
				}
				values = map[string]string{}
			}
			values["OBS_BASE_URL"] = args[0]
			if err := godotenv.Write(values, path); err != nil {
				return err
			}
			fmt.Printf("OBS_BASE_URL=%s written to %s\n", args[0], path)
			return nil
		},
	}
}

// withEngine opens the backend database, migrates it and builds the engine.
func withEngine(ctx context.Context, fn func(context.Context, *config.Config, engine.Engine) error) error {
	cfg, err := app.ResolveConfig(runtimeOptions())
	if err != nil {
		return err
	}
	conn, err := openBackend(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	e := engine.New(conn)
	if cfg.Server.CodeTTL > 0 {
		e.CodeTTL = cfg.Server.CodeTTL
	}
	return fn(ctx, cfg, e)
}

func openBackend(workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace, Name: db.BackendDB})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, migrate.Backend); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
