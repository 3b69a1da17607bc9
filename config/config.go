// Package config reads the harness settings from command-line flags, FHIR_HARNESS_* environment
// variables, an optional config file and an optional .env file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
)

const (
	EnvPrefix = "FHIR_HARNESS"

	DataStoreCosmosDB  = "cosmosdb"
	DataStoreSQLServer = "sqlserver"

	DefaultPort = 8111
)

type Config struct {
	ServerURL     string        `mapstructure:"url"`
	ConsulAddress string        `mapstructure:"consul-address"`
	ConsulService string        `mapstructure:"consul-service"`
	DataStore     string        `mapstructure:"data-store"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	StatusTimeout time.Duration `mapstructure:"status-timeout"`
	JobTimeout    time.Duration `mapstructure:"job-timeout"`
	Parallelism   int           `mapstructure:"parallelism"`

	Run            []string `mapstructure:"run"`
	Skip           []string `mapstructure:"skip"`
	SkipFile       string   `mapstructure:"skip-from"`
	RecordFailures string   `mapstructure:"record-failures"`
	JUnitFile      string   `mapstructure:"junit"`
	Debug          bool     `mapstructure:"debug"`
	DebugAll       bool     `mapstructure:"debug-all"`
	LogFormat      string   `mapstructure:"log-format"`

	EnableCapabilities  []string `mapstructure:"enable-capability"`
	DisableCapabilities []string `mapstructure:"disable-capability"`

	Auth AuthConfig `mapstructure:",squash"`
	Blob BlobConfig `mapstructure:",squash"`

	RedisAddress string `mapstructure:"redis-address"`
}

// AuthConfig configures the client-credentials principal. Auth is disabled if TokenURL is empty.
type AuthConfig struct {
	TokenURL     string `mapstructure:"auth-token-url"`
	ClientID     string `mapstructure:"auth-client-id"`
	ClientSecret string `mapstructure:"auth-client-secret"`
	Resource     string `mapstructure:"auth-resource"`
	Scope        string `mapstructure:"auth-scope"`
}

func (a AuthConfig) Enabled() bool { return a.TokenURL != "" }

// BlobConfig configures the S3-compatible store used for $import sources. It is disabled if Endpoint
// is empty.
type BlobConfig struct {
	Endpoint  string `mapstructure:"blob-endpoint"`
	AccessKey string `mapstructure:"blob-access-key"`
	SecretKey string `mapstructure:"blob-secret-key"`
	Bucket    string `mapstructure:"blob-bucket"`
	UseSSL    bool   `mapstructure:"blob-use-ssl"`
}

func (b BlobConfig) Enabled() bool { return b.Endpoint != "" }

// BindFlags declares every setting as a flag.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "optional YAML/JSON config file")
	fs.String("env-file", ".env", "optional .env file to load before reading the environment")

	fs.String("url", "", "FHIR base URL of the server under test")
	fs.String("consul-address", "", "Consul agent address, for discovering the server instead of --url")
	fs.String("consul-service", "fhir-server", "Consul service name of the server")
	fs.String("data-store", DataStoreSQLServer, "server data store: cosmosdb or sqlserver")
	fs.String("host", "localhost", "external hostname of the test harness")
	fs.Int("port", DefaultPort, "port that the test harness will listen on")
	fs.Duration("status-timeout", 30*time.Second, "how long to wait for the server to come up")
	fs.Duration("job-timeout", 5*time.Minute, "how long to wait for an $export or $import job")
	fs.Int("parallelism", 4, "maximum number of tests that run in parallel within one suite")

	fs.StringArray("run", nil, "regex pattern(s) to select tests to run")
	fs.StringArray("skip", nil, "regex pattern(s) to select tests not to run")
	fs.String("skip-from", "", "file containing test IDs to skip, one per line")
	fs.String("record-failures", "", "write the IDs of failed tests to this file")
	fs.String("junit", "", "write JUnit XML output to the specified path")
	fs.Bool("debug", false, "enable debug logging for failed tests")
	fs.Bool("debug-all", false, "enable debug logging for all tests")
	fs.String("log-format", "console", "process log format: console or json")

	fs.StringSlice("enable-capability", nil, "treat the server as having these capabilities")
	fs.StringSlice("disable-capability", nil, "treat the server as not having these capabilities")

	fs.String("auth-token-url", "", "OAuth2 token endpoint; enables authenticated requests")
	fs.String("auth-client-id", "", "OAuth2 client id")
	fs.String("auth-client-secret", "", "OAuth2 client secret")
	fs.String("auth-resource", "", "OAuth2 resource (audience)")
	fs.String("auth-scope", "", "OAuth2 scope")
	fs.String("redis-address", "", "Redis address for sharing access tokens between harness processes")

	fs.String("blob-endpoint", "", "S3-compatible endpoint for $import source files")
	fs.String("blob-access-key", "", "blob store access key")
	fs.String("blob-secret-key", "", "blob store secret key")
	fs.String("blob-bucket", "fhir-harness", "blob store bucket")
	fs.Bool("blob-use-ssl", false, "use TLS for the blob store")
}

// NewViper returns a Viper instance bound to the flags and the FHIR_HARNESS_* environment. The flag
// "auth-client-id" corresponds to FHIR_HARNESS_AUTH_CLIENT_ID.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadDotEnv loads variables from a .env file without overriding ones already set. A missing file is
// not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cannot load %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration, including the config file named by the "config" key if any, and
// validates it.
func Load(v *viper.Viper) (Config, error) {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("cannot read config file: %w", err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.ServerURL == "" && c.ConsulAddress == "" {
		return errors.New("--url or --consul-address is required")
	}
	switch c.DataStore {
	case DataStoreCosmosDB, DataStoreSQLServer:
	default:
		return fmt.Errorf("--data-store must be %q or %q, got %q", DataStoreCosmosDB, DataStoreSQLServer,
			c.DataStore)
	}
	switch c.LogFormat {
	case "", "console", "json":
	default:
		return fmt.Errorf("--log-format must be console or json, got %q", c.LogFormat)
	}
	if c.Port < 0 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Auth.Enabled() && c.Auth.ClientID == "" {
		return errors.New("--auth-client-id is required with --auth-token-url")
	}
	if c.Blob.Enabled() && (c.Blob.AccessKey == "" || c.Blob.SecretKey == "") {
		return errors.New("--blob-access-key and --blob-secret-key are required with --blob-endpoint")
	}
	return nil
}

// Filters builds the test filters from the run and skip patterns and the suppression file.
func (c Config) Filters() (e2e.RegexFilters, error) {
	var filters e2e.RegexFilters
	for _, p := range c.Run {
		if err := filters.MustMatch.Set(p); err != nil {
			return filters, fmt.Errorf("invalid --run pattern: %w", err)
		}
	}
	for _, p := range c.Skip {
		if err := filters.MustNotMatch.Set(p); err != nil {
			return filters, fmt.Errorf("invalid --skip pattern: %w", err)
		}
	}
	if c.SkipFile != "" {
		suppressions, err := e2e.ReadSuppressionsFile(c.SkipFile)
		if err != nil {
			return filters, err
		}
		filters.MustNotMatch = append(filters.MustNotMatch, suppressions...)
	}
	return filters, nil
}
