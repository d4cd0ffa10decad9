// Package config resolves the pipeline configuration.
// Sources in decreasing priority: explicit overrides (CLI flags), process
// environment, a configuration file, a fallback .env file, built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/spherical/pbj/internal/domain"
)

// Source names where an option's effective value came from.
type Source string

const (
	SourceDefault  Source = "default"
	SourceDotEnv   Source = "dotenv"
	SourceFile     Source = "file"
	SourceEnv      Source = "env"
	SourceOverride Source = "flag"
)

// Parser backends.
const (
	ParserLlamaParse = "llamaparse"
	ParserLocal      = "local"
)

// DefaultConfigFiles are searched in order when no explicit path is given.
var DefaultConfigFiles = []string{
	"config.yaml",
	"config.yml",
	"config.json",
	"pbj_config.yaml",
	"pbj_config.json",
}

// Config is the effective configuration of a run. Treat it as read-only.
type Config struct {
	LlamaParseAPIKey   string
	OpenAIAPIKey       string
	LLMBaseURL         string
	Model              string
	MaxTokens          int
	OutputBaseDir      string
	TimestampedFolders bool
	PremiumMode        bool
	Parser             string
	MaxTimeout         time.Duration
	SkipEnhance        bool
	Concurrency        int
	MaxRetries         int
	RequestsPerSecond  float64
	Verbose            bool
	LogLevel           string
	LogFormat          string
	LedgerDriver       string
	LedgerDSN          string
	RedisAddr          string
	RedisChannel       string

	// ConfigFile is the configuration file that was read, if any.
	ConfigFile string
	// Warnings lists values that were present but could not be used.
	Warnings []string

	sources map[string]Source
}

// Source returns where the named option was resolved from.
func (c *Config) Source(key string) Source {
	if s, ok := c.sources[key]; ok {
		return s
	}
	return SourceDefault
}

// LedgerTarget returns the ledger driver and DSN, filling the sqlite default.
func (c *Config) LedgerTarget() (driver, dsn string) {
	driver = c.LedgerDriver
	dsn = c.LedgerDSN
	if driver == "sqlite" && dsn == "" {
		dsn = filepath.Join(c.OutputBaseDir, "pbj-ledger.db")
	}
	return driver, dsn
}

type option struct {
	key   string
	env   []string
	def   string
	apply func(*Config, string) error
	// secret options are masked by Describe.
	secret bool
}

var options = []option{
	{key: "llamaparse_api_key", env: []string{"LLAMAPARSE_API_KEY", "LLAMA_CLOUD_API_KEY"}, secret: true,
		apply: func(c *Config, v string) error { c.LlamaParseAPIKey = v; return nil }},
	{key: "openai_api_key", env: []string{"OPENAI_API_KEY", "OPENROUTER_API_KEY"}, secret: true,
		apply: func(c *Config, v string) error { c.OpenAIAPIKey = v; return nil }},
	{key: "llm_base_url", env: []string{"PBJ_LLM_BASE_URL"}, def: "https://api.openai.com/v1",
		apply: func(c *Config, v string) error { c.LLMBaseURL = strings.TrimRight(v, "/"); return nil }},
	{key: "openai_model", env: []string{"PBJ_MODEL", "LLM_MODEL"}, def: "gpt-4",
		apply: func(c *Config, v string) error { c.Model = v; return nil }},
	{key: "max_tokens", env: []string{"PBJ_MAX_TOKENS"}, def: "4000",
		apply: func(c *Config, v string) (err error) { c.MaxTokens, err = parsePositive(v); return }},
	{key: "output_base_dir", env: []string{"PBJ_OUTPUT_DIR"}, def: "processed_documents",
		apply: func(c *Config, v string) error { c.OutputBaseDir = v; return nil }},
	{key: "create_timestamped_folders", env: []string{"PBJ_TIMESTAMPED_FOLDERS"}, def: "true",
		apply: func(c *Config, v string) (err error) { c.TimestampedFolders, err = parseBool(v); return }},
	{key: "use_premium_mode", env: []string{"PBJ_PREMIUM_MODE"}, def: "false",
		apply: func(c *Config, v string) (err error) { c.PremiumMode, err = parseBool(v); return }},
	{key: "parser", env: []string{"PBJ_PARSER"}, def: ParserLlamaParse,
		apply: func(c *Config, v string) error {
			v = strings.ToLower(v)
			if v != ParserLlamaParse && v != ParserLocal {
				return fmt.Errorf("unknown parser %q", v)
			}
			c.Parser = v
			return nil
		}},
	{key: "max_timeout", env: []string{"PBJ_MAX_TIMEOUT"}, def: "180s",
		apply: func(c *Config, v string) (err error) { c.MaxTimeout, err = parseTimeout(v); return }},
	{key: "skip_enhance", env: []string{"PBJ_SKIP_ENHANCE"}, def: "false",
		apply: func(c *Config, v string) (err error) { c.SkipEnhance, err = parseBool(v); return }},
	{key: "concurrency", env: []string{"PBJ_CONCURRENCY"}, def: "4",
		apply: func(c *Config, v string) (err error) { c.Concurrency, err = parsePositive(v); return }},
	{key: "max_retries", env: []string{"PBJ_MAX_RETRIES"}, def: "3",
		apply: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return fmt.Errorf("invalid retry count %q", v)
			}
			c.MaxRetries = n
			return nil
		}},
	{key: "requests_per_second", env: []string{"PBJ_REQUESTS_PER_SECOND"}, def: "0",
		apply: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < 0 {
				return fmt.Errorf("invalid rate %q", v)
			}
			c.RequestsPerSecond = f
			return nil
		}},
	{key: "enable_verbose_logging", env: []string{"PBJ_VERBOSE"}, def: "false",
		apply: func(c *Config, v string) (err error) { c.Verbose, err = parseBool(v); return }},
	{key: "log_level", env: []string{"LOG_LEVEL"}, def: "info",
		apply: func(c *Config, v string) error { c.LogLevel = strings.ToLower(v); return nil }},
	{key: "log_format", env: []string{"LOG_FORMAT"}, def: "console",
		apply: func(c *Config, v string) error {
			v = strings.ToLower(v)
			if v != "console" && v != "json" {
				return fmt.Errorf("unknown log format %q", v)
			}
			c.LogFormat = v
			return nil
		}},
	{key: "ledger_driver", env: []string{"PBJ_LEDGER_DRIVER"}, def: "sqlite",
		apply: func(c *Config, v string) error {
			v = strings.ToLower(v)
			switch v {
			case "sqlite", "postgres", "none":
				c.LedgerDriver = v
				return nil
			}
			return fmt.Errorf("unknown ledger driver %q", v)
		}},
	{key: "ledger_dsn", env: []string{"PBJ_LEDGER_DSN", "DATABASE_URL"},
		apply: func(c *Config, v string) error { c.LedgerDSN = v; return nil }},
	{key: "redis_addr", env: []string{"PBJ_REDIS_ADDR", "REDIS_URL"},
		apply: func(c *Config, v string) error { c.RedisAddr = v; return nil }},
	{key: "redis_channel", env: []string{"PBJ_REDIS_CHANNEL"}, def: "pbj:events",
		apply: func(c *Config, v string) error { c.RedisChannel = v; return nil }},
}

// Keys returns the recognized option keys in display order.
func Keys() []string {
	keys := make([]string, len(options))
	for i, o := range options {
		keys[i] = o.key
	}
	return keys
}

// Resolver merges configuration sources into a Config.
type Resolver struct {
	// ConfigPath is an explicit configuration file. When empty the
	// DefaultConfigFiles are searched in Dir.
	ConfigPath string
	// DotEnvPath defaults to .env in Dir.
	DotEnvPath string
	Dir        string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// Overrides are option values set explicitly on the command line.
	Overrides map[string]string
}

// Load resolves configuration from the environment, the given file (or the
// default search list when empty) and .env in the working directory.
func Load(path string) (*Config, error) {
	return (&Resolver{ConfigPath: path}).Resolve()
}

// Resolve produces the effective configuration. Missing credentials are not
// an error here; adapters report them when they are needed.
func (r *Resolver) Resolve() (*Config, error) {
	lookupEnv := r.LookupEnv
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}

	fileValues, filePath, err := r.readConfigFile()
	if err != nil {
		return nil, err
	}

	dotenv, err := r.readDotEnv()
	if err != nil {
		return nil, err
	}

	cfg := &Config{ConfigFile: filePath, sources: make(map[string]Source)}

	for _, opt := range options {
		candidates := r.candidates(opt, lookupEnv, fileValues, dotenv)
		applied := false
		for _, cand := range candidates {
			if err := opt.apply(cfg, cand.value); err != nil {
				cfg.Warnings = append(cfg.Warnings,
					fmt.Sprintf("%s from %s ignored: %v", opt.key, cand.source, err))
				continue
			}
			cfg.sources[opt.key] = cand.source
			applied = true
			break
		}
		if !applied {
			if err := opt.apply(cfg, opt.def); err != nil {
				return nil, domain.ConfigError(fmt.Sprintf("invalid default for %s", opt.key), err)
			}
			cfg.sources[opt.key] = SourceDefault
		}
	}

	return cfg, nil
}

type candidate struct {
	value  string
	source Source
}

func (r *Resolver) candidates(opt option, lookupEnv func(string) (string, bool), file map[string]string, dotenv map[string]string) []candidate {
	var out []candidate
	if v, ok := r.Overrides[opt.key]; ok {
		out = append(out, candidate{v, SourceOverride})
	}
	for _, name := range opt.env {
		if v, ok := lookupEnv(name); ok && strings.TrimSpace(v) != "" {
			out = append(out, candidate{strings.TrimSpace(v), SourceEnv})
		}
	}
	if v, ok := file[opt.key]; ok && v != "" {
		out = append(out, candidate{v, SourceFile})
	}
	for _, name := range opt.env {
		if v, ok := dotenv[name]; ok && strings.TrimSpace(v) != "" {
			out = append(out, candidate{strings.TrimSpace(v), SourceDotEnv})
		}
	}
	return out
}

func (r *Resolver) readConfigFile() (map[string]string, string, error) {
	path := r.ConfigPath
	if path == "" {
		for _, name := range DefaultConfigFiles {
			p := filepath.Join(r.Dir, name)
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
		if path == "" {
			return nil, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", domain.ConfigError("read config file", err)
	}

	// JSON is a subset of YAML, one decoder covers both formats.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, "", domain.ConfigError(fmt.Sprintf("parse config file %s", path), err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case map[string]any, []any:
			// Nested sections are not recognized options.
		default:
			values[strings.ToLower(k)] = fmt.Sprint(val)
		}
	}
	return values, path, nil
}

func (r *Resolver) readDotEnv() (map[string]string, error) {
	path := r.DotEnvPath
	if path == "" {
		path = filepath.Join(r.Dir, ".env")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	// Read, not Load: resolution never mutates the process environment.
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, domain.ConfigError("parse .env file", err)
	}
	return values, nil
}

// Describe lists every option with its effective value and source.
// Secrets are masked.
func (c *Config) Describe() [][3]string {
	rows := make([][3]string, 0, len(options))
	for _, opt := range options {
		rows = append(rows, [3]string{opt.key, c.display(opt), string(c.Source(opt.key))})
	}
	return rows
}

func (c *Config) display(opt option) string {
	var v string
	switch opt.key {
	case "llamaparse_api_key":
		v = c.LlamaParseAPIKey
	case "openai_api_key":
		v = c.OpenAIAPIKey
	case "llm_base_url":
		v = c.LLMBaseURL
	case "openai_model":
		v = c.Model
	case "max_tokens":
		v = strconv.Itoa(c.MaxTokens)
	case "output_base_dir":
		v = c.OutputBaseDir
	case "create_timestamped_folders":
		v = strconv.FormatBool(c.TimestampedFolders)
	case "use_premium_mode":
		v = strconv.FormatBool(c.PremiumMode)
	case "parser":
		v = c.Parser
	case "max_timeout":
		v = c.MaxTimeout.String()
	case "skip_enhance":
		v = strconv.FormatBool(c.SkipEnhance)
	case "concurrency":
		v = strconv.Itoa(c.Concurrency)
	case "max_retries":
		v = strconv.Itoa(c.MaxRetries)
	case "requests_per_second":
		v = strconv.FormatFloat(c.RequestsPerSecond, 'g', -1, 64)
	case "enable_verbose_logging":
		v = strconv.FormatBool(c.Verbose)
	case "log_level":
		v = c.LogLevel
	case "log_format":
		v = c.LogFormat
	case "ledger_driver":
		v = c.LedgerDriver
	case "ledger_dsn":
		v = c.LedgerDSN
	case "redis_addr":
		v = c.RedisAddr
	case "redis_channel":
		v = c.RedisChannel
	}
	if opt.secret || opt.key == "ledger_dsn" {
		return mask(v)
	}
	return v
}

// Settings echoes the run-relevant options for the run summary.
func (c *Config) Settings() map[string]string {
	settings := map[string]string{
		"parser":       c.Parser,
		"model":        c.Model,
		"premium":      strconv.FormatBool(c.PremiumMode),
		"skip_enhance": strconv.FormatBool(c.SkipEnhance),
		"concurrency":  strconv.Itoa(c.Concurrency),
		"max_retries":  strconv.Itoa(c.MaxRetries),
	}
	if c.ConfigFile != "" {
		settings["config_file"] = c.ConfigFile
	}
	return settings
}

// SortedWarnings returns the warnings in a stable order.
func (c *Config) SortedWarnings() []string {
	out := append([]string(nil), c.Warnings...)
	sort.Strings(out)
	return out
}

func mask(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "****" + v[len(v)-4:]
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}

func parsePositive(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("expected a positive integer, got %q", v)
	}
	return n, nil
}

// parseTimeout accepts a Go duration or a bare number of seconds.
func parseTimeout(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 1 {
			return 0, fmt.Errorf("timeout must be positive, got %q", v)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeout %q", v)
	}
	return d, nil
}
