package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "/v0", cfg.Server.BasePath)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 180*24*time.Hour, cfg.Ownership.TTL.Std())
	require.Equal(t, 120*time.Second, cfg.OpenAI.Timeout.Std())
	require.Equal(t, DefaultExplorePrompt, cfg.OpenAI.Prompts.Explore)
	require.Equal(t, DefaultValuesPrompt, cfg.OpenAI.Prompts.Values)
	require.Equal(t, DefaultChallengesPrompt, cfg.OpenAI.Prompts.Challenges)
	require.Equal(t, WizardConfig{ExploreMinTurns: 5, DeadlineOffsetDays: 7, DeadlineHour: 18}, cfg.Wizard)
}

func TestFromYAMLOverridesOnlyGivenKeys(t *testing.T) {
	cfg, err := FromYAML([]byte(`
ownership:
  ttl: 24h
wizard:
  explore_min_turns: 3
webhooks:
  - url: http://hooks.local/imo
    events: [quest.created]
`))
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, cfg.Ownership.TTL.Std())
	require.Equal(t, 3, cfg.Wizard.ExploreMinTurns)
	require.Equal(t, 7, cfg.Wizard.DeadlineOffsetDays)
	require.Equal(t, "/v0", cfg.Server.BasePath)
	require.Len(t, cfg.Webhooks, 1)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"driver":   "database:\n  driver: mysql\n",
		"postgres": "database:\n  driver: postgres\n",
		"ttl":      "ownership:\n  ttl: 0s\n",
		"hour":     "wizard:\n  deadline_hour: 24\n",
		"offset":   "wizard:\n  deadline_offset_days: 0\n",
		"base":     "server:\n  base_path: v0\n",
		"webhook":  "webhooks:\n  - url: \"\"\n",
		"duration": "openai:\n  timeout: soon\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "imo.yml"), []byte("server:\n  addr: 0.0.0.0:9000\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
}

func TestWebhookSecretIsNeverReadFromFile(t *testing.T) {
	cfg, err := FromYAML([]byte(`
webhooks:
  - url: http://hooks.local/imo
    secret: leaked
    secret_env: HOOK_SECRET
`))
	require.NoError(t, err)
	require.Empty(t, cfg.Webhooks[0].Secret)
	require.Equal(t, "HOOK_SECRET", cfg.Webhooks[0].SecretEnv)
}
