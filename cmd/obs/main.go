package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/juju/loggo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"observatorio/internal/app"
	"observatorio/internal/session"
)

var logger = loggo.GetLogger("observatorio.cmd")

var rootCmd = &cobra.Command{
	Use:   "obs",
	Short: "Observatorio TI CLI",
	Long: `Observatorio TI tracks IT deliveries from submission to approval.
Core concepts:
- Delivery: a milestone with a title, a description, a date, squads and a business area.
- Workflow: every delivery starts pending; approvers approve or reject it. Pending is never re-entered.
- Roles: contributors submit deliveries; approvers adjudicate, edit pending or approved ones and delete rejected ones.
- Public views: the timeline, the TV slideshow and the statistics only show approved deliveries.
- Session: 'obs login' stores your identity in the workspace so later commands run without signing in again.
- Backend: 'obs serve' runs a local API speaking the same contract, backed by sqlite.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := loadDotEnv(workspace); err != nil {
			return err
		}
		if err := loggo.ConfigureLoggers("<root>=" + strings.ToUpper(viper.GetString("log-level"))); err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		if path := viper.GetString("trace-file"); path != "" {
			return initTracing(path)
		}
		return nil
	},
}

var shutdownTracing = func(context.Context) error { return nil }

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if ferr := shutdownTracing(flushCtx); ferr != nil {
		logger.Warningf("flush traces: %v", ferr)
	}
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", describeError(err))
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OBS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/observatorio.yml)")
	flags.String("base-url", "", "API base URL (overrides config)")
	flags.Duration("timeout", 0, "API request timeout (overrides config)")
	flags.Bool("json", false, "output JSON")
	flags.BoolP("yes", "y", false, "answer yes to confirmations")
	flags.String("log-level", "WARNING", "log level (TRACE, DEBUG, INFO, WARNING, ERROR)")
	flags.String("trace-file", "", "write OpenTelemetry spans to this file")
	for _, name := range []string{"workspace", "config", "base-url", "timeout", "json", "yes", "log-level", "trace-file"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(deliveriesCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(tvCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(squadsCmd())
	rootCmd.AddCommand(customersCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(backendCmd())
	rootCmd.AddCommand(logCmd())
}

// loadDotEnv reads .env from the working directory and the workspace.
// Variables already set in the environment win.
func loadDotEnv(workspace string) error {
	paths := []string{".env"}
	if workspace != "" && workspace != "." {
		paths = append(paths, filepath.Join(workspace, ".env"))
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func initTracing(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(f), stdouttrace.WithPrettyPrint())
	if err != nil {
		f.Close()
		return err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "obs"),
		)),
	)
	otel.SetTracerProvider(tp)
	shutdownTracing = func(ctx context.Context) error {
		defer f.Close()
		return tp.Shutdown(ctx)
	}
	return nil
}

func runtimeOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigFile: viper.GetString("config"),
		BaseURL:    viper.GetString("base-url"),
		Timeout:    viper.GetDuration("timeout"),
	}
}

// withRuntime opens the client runtime and restores the stored session.
func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, runtimeOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// withApp is withRuntime plus the application layer bound to the terminal.
func withApp(ctx context.Context, fn func(context.Context, *app.Runtime, *app.App) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		a := app.New(rt.Deliveries, rt.Session, newTerminalDialogs(viper.GetBool("yes")))
		return fn(ctx, rt, a)
	})
}

func describeError(err error) string {
	var authErr *session.AuthError
	switch {
	case errors.Is(err, app.ErrNotAuthenticated):
		return "not signed in; run 'obs login'"
	case errors.Is(err, app.ErrDeclined):
		return "cancelled"
	case errors.As(err, &authErr):
		return authErr.Message()
	}
	return err.Error()
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

func printJSONOrTable(v any, render func(table.Writer)) error {
	if jsonOutput() {
		return printJSON(v)
	}
	tw := newTable()
	render(tw)
	tw.Render()
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
