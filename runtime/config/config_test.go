package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/goa-transcript/runtime/projection"
)

const sample = `
default: claude
providers:
  claude:
    family: anthropic
    model: claude-sonnet
  gpt:
    family: OpenAI
    model: gpt-4o
    strictAdjacency: false
scheduler:
  parallelism: 4
  toolTimeout: 30s
  rateLimit:
    perSecond: 5
storage:
  mongo:
    uri: mongodb://localhost:27017
    database: chat
  redis:
    addr: localhost:6379
diagnostics:
  log: true
  stream: true
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "claude", c.Default)
	assert.Equal(t, []string{"claude", "gpt"}, c.ProfileNames())
	assert.Equal(t, 4, c.Scheduler.Parallelism)
	assert.Equal(t, 30*time.Second, c.Scheduler.ToolTimeout)
	assert.Equal(t, 1, c.Scheduler.RateLimit.Burst)
	assert.Equal(t, "history", c.Storage.Mongo.Collection)
	assert.Equal(t, 5*time.Second, c.Storage.Mongo.Timeout)
	assert.Equal(t, "transcript-ledger", c.Storage.Redis.LedgerMap)
	assert.Equal(t, "transcript-diagnostics", c.Storage.Redis.DiagnosticsStream)
	assert.Len(t, c.SchedulerOptions(), 3)

	p, err := c.Profile("")
	require.NoError(t, err)
	assert.Equal(t, projection.FamilyAnthropic, p.Family)
	assert.Equal(t, "claude-sonnet", p.Model)
	assert.True(t, p.Strict())

	p, err = c.Profile("gpt")
	require.NoError(t, err)
	assert.Equal(t, projection.FamilyOpenAI, p.Family)
	assert.False(t, p.Strict())

	_, err = c.Profile("nope")
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown family":  "providers: {x: {family: cohere}}",
		"unknown default": "default: y\nproviders: {x: {family: kimi}}",
		"negative":        "scheduler: {parallelism: -1}",
		"mongo database":  "storage: {mongo: {uri: mongodb://h}}",
		"stream no redis": "diagnostics: {stream: true}",
		"bad yaml":        "providers: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Len(t, c.Providers, len(projection.Families()))
	assert.Equal(t, "anthropic", c.Default)
	assert.True(t, c.Diagnostics.Log)

	empty, err := Parse([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, c.ProfileNames(), empty.ProfileNames())
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TRANSCRIPT_TEST_DB", "sessions")
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "storage:\n  mongo:\n    uri: mongodb://db\n    database: ${TRANSCRIPT_TEST_DB}\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sessions", c.Storage.Mongo.Database)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
