package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/hulloitskai/imo/internal/app"
	"github.com/hulloitskai/imo/internal/config"
	"github.com/hulloitskai/imo/internal/db"
	"github.com/hulloitskai/imo/internal/domain"
	"github.com/hulloitskai/imo/internal/engine"
	"github.com/hulloitskai/imo/internal/logger"
	"github.com/hulloitskai/imo/internal/migrate"
	"github.com/hulloitskai/imo/internal/server"
	"github.com/hulloitskai/imo/internal/tui"
	"github.com/hulloitskai/imo/internal/wizard"
	imosdk "github.com/hulloitskai/imo/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "imo",
	Short: "imo turns what you want to change into a quest",
	Long: `imo helps you find a personal challenge and turn it into a quest.
- Wizard: a short interview, a few values questions, then a choice of challenges ('imo start').
- Quest: a goal with a deadline and numbered milestones.
- Ownership token: a signed link that proves you created a quest; no accounts needed.
- Server: 'imo serve' exposes the API the wizard talks to.
- Event log: every created quest is recorded, view with 'imo log tail'.`,
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
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("IMO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-mode", "", "log mode: development or production (default from imo.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-mode", rootCmd.PersistentFlags().Lookup("log-mode"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(questCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()
			c, err := app.Open(viper.GetString("workspace"), cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()
			handler, err := c.Handler()
			if err != nil {
				return err
			}

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				<-server.StartWebhookDispatcher(ctx, c.Engine.Repo, cfg.Webhooks, log)
				return nil
			})
			log.Info("serving imo API", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "db", cfg.Database.Driver, "webhooks", len(cfg.Webhooks))
			fmt.Printf("Serving imo API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from imo.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from imo.yml)")
	return cmd
}

func startCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the onboarding wizard in the terminal",
		Long:  "Without --server the wizard runs in-process and needs IMO_OWNERSHIP_SECRET and an OpenAI key; with --server it talks to a running 'imo serve'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// The terminal belongs to the wizard; keep logs out of it.
			log := logger.Nop()
			opts := app.WizardOptions(cfg, log)
			baseURL := app.QuestBaseURL(cfg)

			var backend wizard.Backend
			if serverURL != "" {
				client := imosdk.New(serverURL)
				client.BasePath = cfg.Server.BasePath
				if err := client.Health(cmd.Context()); err != nil {
					return fmt.Errorf("server not reachable: %w", err)
				}
				backend = wizard.RemoteBackend{Client: client}
				baseURL = strings.TrimRight(serverURL, "/") + cfg.Server.BasePath
			} else {
				if cfg.Ownership.Secret == "" {
					return app.ErrNoOwnershipSecret
				}
				c, err := app.Open(viper.GetString("workspace"), cfg, log)
				if err != nil {
					return err
				}
				defer c.Close()
				backend = c.LocalBackend()
			}

			machine := wizard.NewMachine(backend, opts)
			defer machine.Close()
			final, err := tea.NewProgram(tui.New(cmd.Context(), machine, tui.Options{QuestBaseURL: baseURL}), tea.WithContext(cmd.Context())).Run()
			if err != nil {
				return err
			}
			if m, ok := final.(tui.Model); ok {
				if d, ok := m.Created(); ok {
					printLinks(baseURL, d)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "imo server URL, e.g. http://127.0.0.1:8080")
	return cmd
}

func questCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "quest",
		Short: "Manage quests",
		Long:  "A quest is a goal with a deadline and numbered milestones. Creating one prints its ownership token.",
	}
	q.AddCommand(questCreateCmd())
	q.AddCommand(questShowCmd())
	q.AddCommand(questListCmd())
	return q
}

func questCreateCmd() *cobra.Command {
	var nq domain.NewQuest
	var milestones []string
	var key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a quest",
		Example: `  imo quest create --name "Run a 5k" --description "Train for a short race" \
    --deadline 2025-08-17T18:00 --milestone "Buy shoes" --milestone "Run 1km"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for i, m := range milestones {
				number, desc := strconv.Itoa(i+1), m
				// "3=Run 5km" sets an explicit number.
				if n, d, ok := strings.Cut(m, "="); ok && strings.TrimSpace(n) != "" && !strings.Contains(n, " ") {
					number, desc = n, d
				}
				nq.Milestones = append(nq.Milestones, domain.NewMilestone{Number: number, Description: desc})
			}
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
				detail, err := e.CreateQuest(ctx, engine.CreateQuestOptions{Quest: nq, IdempotencyKey: key, Location: time.Local})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(detail)
				}
				printQuest(detail)
				fmt.Println()
				printLinks(app.QuestBaseURL(cfg), detail)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&nq.Name, "name", "", "quest name")
	cmd.Flags().StringVar(&nq.Description, "description", "", "quest description")
	cmd.Flags().StringVar(&nq.Deadline, "deadline", "", "deadline (RFC3339, 2006-01-02T15:04 or 2006-01-02, local time)")
	cmd.Flags().StringArrayVar(&milestones, "milestone", nil, "milestone description, repeatable; numbered in order")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "reuse to avoid creating the same quest twice")
	return cmd
}

func questShowCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), token != "", func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
				detail, err := e.ShowQuest(ctx, args[0], token)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(detail)
				}
				printQuest(detail)
				fmt.Println()
				if detail.OwnershipToken != "" {
					fmt.Println("Ownership confirmed.")
					printLinks(app.QuestBaseURL(cfg), detail)
				} else {
					fmt.Println("Share:", wizard.ShareURL(app.QuestBaseURL(cfg), detail.Quest.ID))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "ownership token")
	return cmd
}

func questListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent quests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
				quests, err := e.Repo.ListQuests(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(quests)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Deadline", "Created"})
				for _, q := range quests {
					tw.AppendRow(table.Row{q.ID, q.Name, q.Deadline.Local().Format("2006-01-02 15:04"), q.CreatedAt.Local().Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of quests")
	return cmd
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "token",
		Short: "Mint and check ownership tokens",
		Long:  "Ownership tokens are signed with IMO_OWNERSHIP_SECRET and bound to one quest. Nothing is stored.",
	}
	t.AddCommand(tokenMintCmd())
	t.AddCommand(tokenVerifyCmd())
	return t
}

func tokenMintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mint <quest-id>",
		Short: "Mint an ownership token for an existing quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
				if _, err := e.Repo.GetQuest(ctx, args[0]); err != nil {
					return err
				}
				tok, err := e.Tokens.Mint(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"quest_id": args[0], "ownership_token": tok})
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	return cmd
}

func tokenVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <quest-id> <token>",
		Short: "Check whether a token proves ownership of a quest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Ownership.Secret == "" {
				return app.ErrNoOwnershipSecret
			}
			c, err := app.Open(viper.GetString("workspace"), cfg, logger.Nop())
			if err != nil {
				return err
			}
			defer c.Close()
			ok := c.Engine.Tokens.Verify(args[1], args[0])
			var expires string
			if claims, err := c.Engine.Tokens.Parse(args[1]); err == nil && claims.ExpiresAt != nil {
				expires = claims.ExpiresAt.Time.Local().Format(time.RFC3339)
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": ok, "expires_at": expires})
			}
			if !ok {
				return fmt.Errorf("token does not prove ownership of %s", args[0])
			}
			fmt.Printf("valid (expires %s)\n", expires)
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every created quest is recorded here; webhooks are fed from the same log.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect imo.yml",
		Long:  "imo.yml sets the listen address, database, token lifetime, prompts, wizard constants and webhooks. Secrets come from the environment.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default imo.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate imo.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and list applied ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := app.Open(viper.GetString("workspace"), cfg, logger.Nop())
			if err != nil {
				return err
			}
			defer c.Close()
			applied, err := migrate.Status(c.DB)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(applied)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Version", "Name", "Applied"})
			for _, a := range applied {
				tw.AppendRow(table.Row{a.Version, a.Name, a.AppliedAt.Local().Format(time.RFC3339)})
			}
			tw.Render()
			return nil
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := app.LoadConfig(viper.GetString("workspace"), os.Getenv)
	if err != nil {
		return nil, err
	}
	if mode := viper.GetString("log-mode"); mode != "" {
		cfg.Log.Mode = mode
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(cfg.Log.Mode)
}

func withEngine(ctx context.Context, needSecret bool, fn func(context.Context, engine.Engine, *config.Config) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if needSecret && cfg.Ownership.Secret == "" {
		return app.ErrNoOwnershipSecret
	}
	c, err := app.Open(viper.GetString("workspace"), cfg, logger.Nop())
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c.Engine, cfg)
}

func printQuest(d domain.QuestDetail) {
	fmt.Printf("%s  %s\n", d.Quest.Name, d.Quest.ID)
	fmt.Println(d.Quest.Description)
	fmt.Println("Deadline:", d.Quest.Deadline.Local().Format("Mon 2006-01-02 15:04"))
	fmt.Println(wizard.Reminder(time.Now(), d.Quest.Deadline))
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Milestone", "Done"})
	for _, m := range d.Milestones {
		done := ""
		if m.Completed() {
			done = "yes"
		}
		tw.AppendRow(table.Row{m.Number, m.Description, done})
	}
	tw.Render()
}

// printLinks prints the owner link and the token-free link for friends.
func printLinks(base string, d domain.QuestDetail) {
	fmt.Println("Your link (keep it private, it proves ownership):", wizard.QuestURL(base, d))
	fmt.Println("Share with a friend:", wizard.ShareText(base, d.Quest.ID))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
