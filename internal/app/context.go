package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hulloitskai/imo/internal/config"
	"github.com/hulloitskai/imo/internal/db"
	"github.com/hulloitskai/imo/internal/engine"
	"github.com/hulloitskai/imo/internal/gateway"
	"github.com/hulloitskai/imo/internal/logger"
	"github.com/hulloitskai/imo/internal/migrate"
	"github.com/hulloitskai/imo/internal/openai"
	"github.com/hulloitskai/imo/internal/ownership"
	"github.com/hulloitskai/imo/internal/server"
	"github.com/hulloitskai/imo/internal/wizard"
)

// Environment variables holding secrets. They are never read from imo.yml.
const (
	EnvOwnershipSecret = "IMO_OWNERSHIP_SECRET"
	EnvOpenAIKey       = "IMO_OPENAI_API_KEY"
	EnvOpenAIKeyAlt    = "OPENAI_API_KEY"
)

// ErrNoOwnershipSecret is returned when an operation needs to mint or verify
// tokens and no secret is configured.
var ErrNoOwnershipSecret = errors.New(EnvOwnershipSecret + " is required")

// LoadConfig reads the workspace config and fills secrets from getenv.
func LoadConfig(workspace string, getenv func(string) string) (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	cfg.Ownership.Secret = strings.TrimSpace(getenv(EnvOwnershipSecret))
	cfg.OpenAI.APIKey = strings.TrimSpace(getenv(EnvOpenAIKey))
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = strings.TrimSpace(getenv(EnvOpenAIKeyAlt))
	}
	for i, hook := range cfg.Webhooks {
		if hook.SecretEnv != "" {
			cfg.Webhooks[i].Secret = strings.TrimSpace(getenv(hook.SecretEnv))
		}
	}
	return cfg, nil
}

// Context is the set of services one process works with.
type Context struct {
	Config  *config.Config
	Log     *logger.Logger
	DB      *db.DB
	Engine  engine.Engine
	Gateway gateway.Gateway
}

// Open connects and migrates the database and wires the engine and gateway.
func Open(workspace string, cfg *config.Config, log *logger.Logger) (*Context, error) {
	if log == nil {
		log = logger.Nop()
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	signer := ownership.NewSigner(cfg.Ownership.Secret, cfg.Ownership.TTL.Std())
	client := openai.New(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Timeout.Std(), log)
	return &Context{
		Config:  cfg,
		Log:     log,
		DB:      conn,
		Engine:  engine.New(conn, signer, log),
		Gateway: gateway.New(client, cfg.OpenAI.Prompts, log),
	}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}

// Handler builds the HTTP API. Serving needs both secrets.
func (c *Context) Handler() (http.Handler, error) {
	if c.Config.Ownership.Secret == "" {
		return nil, ErrNoOwnershipSecret
	}
	if c.Config.OpenAI.APIKey == "" {
		return nil, fmt.Errorf("%s (or %s) is required", EnvOpenAIKey, EnvOpenAIKeyAlt)
	}
	return server.New(server.Config{
		Engine:   c.Engine,
		Gateway:  c.Gateway,
		BasePath: c.Config.Server.BasePath,
		Log:      c.Log,
	})
}

// WizardOptions maps the wizard section of the config.
func (c *Context) WizardOptions() wizard.Options {
	return WizardOptions(c.Config, c.Log)
}

func WizardOptions(cfg *config.Config, log *logger.Logger) wizard.Options {
	return wizard.Options{
		ExploreMinTurns:    cfg.Wizard.ExploreMinTurns,
		DeadlineOffsetDays: cfg.Wizard.DeadlineOffsetDays,
		DeadlineHour:       cfg.Wizard.DeadlineHour,
		Log:                log,
	}
}

// QuestBaseURL is the prefix of quest links printed to users.
func QuestBaseURL(cfg *config.Config) string {
	return strings.TrimRight(cfg.Server.PublicURL, "/") + "/" + strings.Trim(cfg.Server.BasePath, "/")
}
