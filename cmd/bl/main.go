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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"benchline/internal/anchor"
	"benchline/internal/config"
	"benchline/internal/db"
	"benchline/internal/domain"
	"benchline/internal/engine"
	"benchline/internal/events"
	"benchline/internal/identity"
	"benchline/internal/logging"
	"benchline/internal/migrate"
	"benchline/internal/peripheral"
	"benchline/internal/repo"
	"benchline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Benchline workbench daemon",
	Long: `Benchline runs one manufacturing workbench: operators badge in with RFID,
units move through named assembly stages, and every completed unit gets an
immutable passport whose digest is anchored to external provenance backends.
Run 'bl serve' on the bench; the other commands inspect and administer the
local workspace.`,
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
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BENCHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(unitCmd())
	rootCmd.AddCommand(anchorCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workbench daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Log.Level)

			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			benchID := int64(cfg.Workbench.Number)
			if err := r.EnsureWorkbench(cmd.Context(), benchID, cfg.Workbench.Name); err != nil {
				return err
			}

			resolver := identity.NewResolver(r)
			if err := resolver.Refresh(cmd.Context()); err != nil {
				log.Warn("initial identity refresh", "error", err)
			}
			feed := events.NewFeed()
			e := engine.New(conn, cfg, resolver, feed, log)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			go resolver.RunRefresh(ctx, time.Duration(cfg.Identity.RefreshSeconds)*time.Second)

			pipeline := anchor.New(conn, cfg, log)
			go pipeline.Run(ctx)

			dispatcher := peripheral.NewDispatcher(cfg,
				peripheral.NewPrinter(cfg, log),
				peripheral.NewCamera(cfg, log),
				e, log)
			go dispatcher.Run(ctx, feed.Subscribe())

			if addr == "" {
				addr = cfg.API.Listen
			}
			if basePath == "" {
				basePath = cfg.API.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Pipeline: pipeline,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.API.JWTSecret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				log.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				// End any live session so open work is recorded.
				if err := e.Shutdown(shutdownCtx, benchID); err != nil {
					log.Error("end session on shutdown", "error", err)
				}
				dispatcher.Wait()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving", "addr", addr, "base_path", basePath, "workbench", benchID)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config api.listen)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config api.base_path)")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workbench occupancy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Workbench(ctx, int64(e.Config.Workbench.Number))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("Workbench %d (%s): %s\n", w.ID, w.Name, w.State)
				if w.OperatorID != nil {
					fmt.Printf("Operator: %s\n", *w.OperatorID)
				}
				if w.ActiveUnitID != nil {
					fmt.Printf("Active unit: %s\n", *w.ActiveUnitID)
				}
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workbench config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default benchline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func operatorCmd() *cobra.Command {
	op := &cobra.Command{Use: "operator", Short: "Manage operators and credentials"}
	op.AddCommand(operatorAddCmd())
	op.AddCommand(operatorListCmd())
	return op
}

func operatorAddCmd() *cobra.Command {
	var id, name, position, credential string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an operator with a badge credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				op, err := e.RegisterOperator(ctx, id, name, position, credential)
				if err != nil {
					return err
				}
				return printJSON(op)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "operator id (generated if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "operator name")
	cmd.Flags().StringVar(&position, "position", "", "operator position")
	cmd.Flags().StringVar(&credential, "credential", "", "RFID card or badge token")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("credential")
	return cmd
}

func operatorListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOperators(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Position", "Created"})
				for _, op := range items {
					tw.AppendRow(table.Row{op.ID, op.Name, op.Position, op.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func unitCmd() *cobra.Command {
	unit := &cobra.Command{Use: "unit", Short: "Inspect units"}
	unit.AddCommand(unitListCmd())
	unit.AddCommand(unitShowCmd())
	unit.AddCommand(unitPassportCmd())
	return unit
}

func unitListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListUnits(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Model", "Status", "Parent", "Created"})
				for _, u := range items {
					parent := ""
					if u.ParentID != nil {
						parent = *u.ParentID
					}
					tw.AppendRow(table.Row{u.ID, u.Model, u.Status, parent, u.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (in_progress, completed, terminated)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max units")
	return cmd
}

func unitShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a unit with its stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.GetUnit(ctx, args[0])
				if err != nil {
					return err
				}
				stages, err := r.ListStages(ctx, nil, u.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"unit": u, "stages": stages})
				}
				fmt.Printf("Unit %s (%s) status=%s\n", u.ID, u.Model, u.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Operator", "Started", "Ended", "Forced"})
				for _, s := range stages {
					ended := ""
					if s.EndedAt != nil {
						ended = *s.EndedAt
					}
					tw.AppendRow(table.Row{s.Name, s.OperatorID, s.StartedAt, ended, s.ForceClosed})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func unitPassportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passport <id>",
		Short: "Print a unit's passport",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetPassport(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Println(p.BodyYAML)
				fmt.Println("digest:", p.Digest)
				return nil
			})
		},
	}
	return cmd
}

func anchorCmd() *cobra.Command {
	a := &cobra.Command{Use: "anchor", Short: "Inspect and redrive anchor records"}
	a.AddCommand(anchorListCmd())
	a.AddCommand(anchorRedriveCmd())
	return a
}

func anchorListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List anchor records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAnchorRecords(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Unit", "Content", "Ledger", "Shortlink", "Attempts", "Updated"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.UnitID, a.ContentStatus, a.LedgerStatus, a.ShortlinkStatus, a.Attempts, a.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max records")
	return cmd
}

func anchorRedriveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redrive <unit-id>",
		Short: "Reset failed anchoring steps for retry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			pipeline := anchor.New(conn, cfg, logging.New(cfg.Log.Level))
			rec, err := pipeline.Redrive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := "bl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "secret": secret})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "actor this key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor-id")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEvents(ctx, entityKind, entityID, n)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	if err := r.EnsureWorkbench(ctx, int64(cfg.Workbench.Number), cfg.Workbench.Name); err != nil {
		return err
	}
	e := engine.New(conn, cfg, identity.NewResolver(r), events.NewFeed(), logging.New(cfg.Log.Level))
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
