package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pbj/internal/domain"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestResolve_Defaults(t *testing.T) {
	r := &Resolver{Dir: t.TempDir(), LookupEnv: envMap(nil)}

	cfg, err := r.Resolve()
	require.NoError(t, err)

	assert.Equal(t, "gpt-4", cfg.Model)
	assert.Equal(t, 4000, cfg.MaxTokens)
	assert.Equal(t, "processed_documents", cfg.OutputBaseDir)
	assert.True(t, cfg.TimestampedFolders)
	assert.Equal(t, ParserLlamaParse, cfg.Parser)
	assert.Equal(t, 180*time.Second, cfg.MaxTimeout)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, "pbj:events", cfg.RedisChannel)
	assert.Empty(t, cfg.OpenAIAPIKey)
	assert.Empty(t, cfg.ConfigFile)
	assert.Equal(t, SourceDefault, cfg.Source("openai_model"))
}

func TestResolve_Priority(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "openai_model: file-model\nmax_tokens: 2000\nconcurrency: 2\nunknown_key: 42\n")
	writeFile(t, dir, ".env", "PBJ_MODEL=dotenv-model\nPBJ_MAX_TOKENS=1000\nPBJ_CONCURRENCY=1\nOPENAI_API_KEY=sk-from-dotenv\n")

	r := &Resolver{
		Dir:       dir,
		LookupEnv: envMap(map[string]string{"PBJ_MODEL": "env-model"}),
	}
	cfg, err := r.Resolve()
	require.NoError(t, err)

	assert.Equal(t, "env-model", cfg.Model)
	assert.Equal(t, SourceEnv, cfg.Source("openai_model"))
	assert.Equal(t, 2000, cfg.MaxTokens)
	assert.Equal(t, SourceFile, cfg.Source("max_tokens"))
	assert.Equal(t, "sk-from-dotenv", cfg.OpenAIAPIKey)
	assert.Equal(t, SourceDotEnv, cfg.Source("openai_api_key"))
	assert.Equal(t, filepath.Join(dir, "config.yaml"), cfg.ConfigFile)
}

func TestResolve_DotEnvDoesNotTouchProcessEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "PBJ_TEST_ONLY_KEY_FOR_DOTENV=1\n")

	_, err := (&Resolver{Dir: dir, LookupEnv: envMap(nil)}).Resolve()
	require.NoError(t, err)

	_, set := os.LookupEnv("PBJ_TEST_ONLY_KEY_FOR_DOTENV")
	assert.False(t, set)
}

func TestResolve_OverridesWin(t *testing.T) {
	r := &Resolver{
		Dir:       t.TempDir(),
		LookupEnv: envMap(map[string]string{"PBJ_SKIP_ENHANCE": "false"}),
		Overrides: map[string]string{"skip_enhance": "true", "openai_model": "flag-model"},
	}
	cfg, err := r.Resolve()
	require.NoError(t, err)

	assert.True(t, cfg.SkipEnhance)
	assert.Equal(t, "flag-model", cfg.Model)
	assert.Equal(t, SourceOverride, cfg.Source("skip_enhance"))
}

func TestResolve_MalformedValueFallsThrough(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "concurrency: 8\n")

	r := &Resolver{
		Dir:       dir,
		LookupEnv: envMap(map[string]string{"PBJ_CONCURRENCY": "lots", "PBJ_PARSER": "ocr"}),
	}
	cfg, err := r.Resolve()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, ParserLlamaParse, cfg.Parser)
	assert.Len(t, cfg.Warnings, 2)
}

func TestResolve_AlternateEnvNames(t *testing.T) {
	r := &Resolver{
		Dir: t.TempDir(),
		LookupEnv: envMap(map[string]string{
			"LLAMA_CLOUD_API_KEY": "llx-abc",
			"REDIS_URL":           "redis://localhost:6379",
			"PBJ_MAX_TIMEOUT":     "90",
		}),
	}
	cfg, err := r.Resolve()
	require.NoError(t, err)

	assert.Equal(t, "llx-abc", cfg.LlamaParseAPIKey)
	assert.Equal(t, "redis://localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 90*time.Second, cfg.MaxTimeout)
}

func TestResolve_JSONConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "settings.json", `{"use_premium_mode": true, "parser": "local", "requests_per_second": 2.5}`)

	cfg, err := (&Resolver{ConfigPath: path, Dir: dir, LookupEnv: envMap(nil)}).Resolve()
	require.NoError(t, err)

	assert.True(t, cfg.PremiumMode)
	assert.Equal(t, ParserLocal, cfg.Parser)
	assert.Equal(t, 2.5, cfg.RequestsPerSecond)
}

func TestResolve_BrokenConfigFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "openai_model: [unclosed\n")

	_, err := (&Resolver{Dir: dir, LookupEnv: envMap(nil)}).Resolve()
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrorTypeConfig))

	_, err = (&Resolver{ConfigPath: filepath.Join(dir, "missing.yaml"), LookupEnv: envMap(nil)}).Resolve()
	assert.True(t, domain.IsKind(err, domain.ErrorTypeConfig))
}

func TestDescribe_MasksSecrets(t *testing.T) {
	r := &Resolver{Dir: t.TempDir(), LookupEnv: envMap(map[string]string{"OPENAI_API_KEY": "sk-1234567890abcdef"})}
	cfg, err := r.Resolve()
	require.NoError(t, err)

	rows := cfg.Describe()
	require.Len(t, rows, len(Keys()))
	for _, row := range rows {
		if row[0] == "openai_api_key" {
			assert.Equal(t, "sk-1****cdef", row[1])
			assert.Equal(t, "env", row[2])
		}
	}
}

func TestLedgerTarget(t *testing.T) {
	cfg := &Config{LedgerDriver: "sqlite", OutputBaseDir: "out"}
	driver, dsn := cfg.LedgerTarget()
	assert.Equal(t, "sqlite", driver)
	assert.Equal(t, filepath.Join("out", "pbj-ledger.db"), dsn)
}
