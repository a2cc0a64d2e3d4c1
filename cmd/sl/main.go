package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"stockline/internal/app"
	"stockline/internal/config"
	"stockline/internal/db"
	"stockline/internal/migrate"
	"stockline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stockline CLI",
	Long: `Stockline keeps inventory items, their accounting transactions and the
lineage between them consistent.
- Workspace: the .stockline directory holding the database, cached media and sync state.
- Items live in a scope (a project) or in the business pool.
- Requests: clients never write moves directly; they submit a request envelope
  and the executor applies it atomically (sl request submit, sl serve).
- Transactions: canonical purchase and sale aggregates are derived from item
  moves; sl reconcile repairs drift.
- Lineage: every move appends an edge; sl lineage shows the history of an item.
- Media: attachments are saved locally, uploaded in the background and the
  references rewritten once they land (sl media, sl upload, sl sync).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STOCKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringP("account", "a", "default", "account id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("account", rootCmd.PersistentFlags().Lookup("account"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(aggregateCmd())
	rootCmd.AddCommand(lineageCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(mediaCmd())
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in stockline.yml at the workspace root. Missing files fall back to the defaults printed by 'sl config init --stdout'.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var stdout, force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default stockline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout {
				fmt.Print(config.GenerateDefault())
				return nil
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print instead of writing")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate stockline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect the workspace database",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the schema version and unapplied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			pending, err := migrate.Pending(conn)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(pending))
			for _, m := range pending {
				names = append(names, m.Name)
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"path": db.Path(workspace), "version": version, "pending": names})
			}
			fmt.Printf("%s: schema version %d, %d pending %v\n", db.Path(workspace), version, len(names), names)
			return nil
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, noExecutor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt_secret"),
					AllowActorHeader: allowActorHeader,
					Logger:           rt.Logger.Named("auth"),
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return errors.New("STOCKLINE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
				}
				if !cmd.Flags().Changed("addr") {
					addr = rt.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && rt.Config.Server.BasePath != "" {
					basePath = rt.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Executor: rt.Executor,
					Requests: rt.Requests,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   rt.Logger.Named("http"),
				})
				if err != nil {
					return err
				}

				execDone := make(chan error, 1)
				if noExecutor {
					execDone <- nil
				} else {
					if rt.Config.Executor.Backfill {
						if _, err := rt.Executor.Backfill(ctx); err != nil {
							return err
						}
					}
					go func() { execDone <- rt.Executor.Run(ctx) }()
				}

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Info("serving stockline api",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Bool("executor", !noExecutor))
				fmt.Printf("Serving Stockline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					stop()
					<-execDone
					return err
				}
				return <-execDone
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local use only)")
	cmd.Flags().BoolVar(&noExecutor, "no-executor", false, "serve the API without applying requests")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{
		Workspace:   viper.GetString("workspace"),
		APIKey:      viper.GetString("api_key"),
		BearerToken: viper.GetString("token"),
	})
	if err != nil {
		return err
	}
	runErr := fn(ctx, rt)
	if err := rt.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func account() string {
	return viper.GetString("account")
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
