package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const validYAML = `
db:
  dsn: postgres://localhost/threadfall
source:
  base_url: https://api.example.com
  auth_url: https://auth.example.com/token
  client_id: cid
  client_secret: csecret
  username: crawler
  password: hunter2
enrich:
  endpoint: https://scores.example.com
  token: enrich-token
crawl:
  units:
    - pol
    - news
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "jobs", cfg.Queue.Table)
	require.Equal(t, 4, cfg.Queue.Concurrency)
	require.Equal(t, 100, cfg.Source.PageSize)
	require.InDelta(t, 0.1, cfg.Enrich.SampleRate, 1e-9)
	require.Equal(t, "postgres", cfg.Providers.Storage)
	require.Equal(t, "noop", cfg.Providers.Publisher)
	require.Equal(t, 1000, cfg.Crawl.PostLimit)
	require.Equal(t, 5*time.Minute, cfg.Crawl.DiscoverInterval())
	require.Equal(t, 5*time.Minute, cfg.Crawl.EmptyInterval())
	require.Equal(t, 15*time.Minute, cfg.Crawl.ErrorInterval())
	require.Equal(t, []string{"pol", "news"}, cfg.Crawl.Units)
}

func TestLoadFileOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
db:
  dsn: postgres://localhost/threadfall
server:
  port: 9191
queue:
  concurrency: 12
source:
  base_url: https://api.example.com
  auth_url: https://auth.example.com/token
  client_id: cid
  client_secret: csecret
  username: crawler
  password: hunter2
enrich:
  endpoint: https://scores.example.com
  token: enrich-token
crawl:
  discover_interval_seconds: 60
  post_limit: 250
  units: [pol]
`))
	require.NoError(t, err)
	require.Equal(t, 9191, cfg.Server.Port)
	require.Equal(t, 12, cfg.Queue.Concurrency)
	require.Equal(t, 250, cfg.Crawl.PostLimit)
	require.Equal(t, time.Minute, cfg.Crawl.DiscoverInterval())
}

func TestValidateRequiresDSNForPostgres(t *testing.T) {
	_, err := Load(writeConfig(t, `
source:
  base_url: https://api.example.com
  auth_url: https://auth.example.com/token
  client_id: cid
  client_secret: csecret
  username: u
  password: p
crawl:
  units: [pol]
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "db.dsn")
}

func TestValidateRequiresSourceCredentials(t *testing.T) {
	_, err := Load(writeConfig(t, `
db:
  dsn: postgres://localhost/threadfall
source:
  base_url: https://api.example.com
  auth_url: https://auth.example.com/token
crawl:
  units: [pol]
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "client_id")
}

func TestValidateRequiresEnrichWhenSampling(t *testing.T) {
	_, err := Load(writeConfig(t, `
db:
  dsn: postgres://localhost/threadfall
source:
  base_url: https://api.example.com
  auth_url: https://auth.example.com/token
  client_id: cid
  client_secret: csecret
  username: u
  password: p
enrich:
  sample_rate: 0.5
crawl:
  units: [pol]
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "enrich.endpoint")
}

func TestValidateAllowsSamplingDisabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
db:
  dsn: postgres://localhost/threadfall
source:
  base_url: https://api.example.com
  auth_url: https://auth.example.com/token
  client_id: cid
  client_secret: csecret
  username: u
  password: p
enrich:
  sample_rate: 0
crawl:
  units: [pol]
`))
	require.NoError(t, err)
	require.Zero(t, cfg.Enrich.SampleRate)
}

func TestValidateRequiresUnits(t *testing.T) {
	_, err := Load(writeConfig(t, `
db:
  dsn: postgres://localhost/threadfall
source:
  base_url: https://api.example.com
  auth_url: https://auth.example.com/token
  client_id: cid
  client_secret: csecret
  username: u
  password: p
enrich:
  endpoint: https://scores.example.com
  token: tok
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "crawl.units")
}

func TestValidateRejectsNegativePostLimit(t *testing.T) {
	_, err := Load(writeConfig(t, `
db:
  dsn: postgres://localhost/threadfall
source:
  base_url: https://api.example.com
  auth_url: https://auth.example.com/token
  client_id: cid
  client_secret: csecret
  username: u
  password: p
enrich:
  endpoint: https://scores.example.com
  token: tok
crawl:
  units: [pol]
  post_limit: -1
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "crawl.post_limit")
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	_, err := Load(writeConfig(t, validYAML+`
providers:
  storage: dynamo
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown storage provider")
}

func TestValidatePubSubNeedsProject(t *testing.T) {
	_, err := Load(writeConfig(t, validYAML+`
providers:
  publisher: pubsub
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "pubsub.project_id")
}
