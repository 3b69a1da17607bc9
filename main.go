package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fhir-harness/fhir-test-harness/auth"
	"github.com/fhir-harness/fhir-test-harness/blobstore"
	"github.com/fhir-harness/fhir-test-harness/config"
	"github.com/fhir-harness/fhir-test-harness/discovery"
	"github.com/fhir-harness/fhir-test-harness/fhirtests"
	"github.com/fhir-harness/fhir-test-harness/fixtures"
	"github.com/fhir-harness/fhir-test-harness/framework"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
	"github.com/fhir-harness/fhir-test-harness/framework/harness"
	h "github.com/fhir-harness/fhir-test-harness/framework/helpers"
)

const (
	startupTimeout = time.Minute
	requestTimeout = time.Minute
	tokenKeyPrefix = "fhir-harness:token:"
)

// set with -ldflags "-X main.version=..."
var version = "dev" //nolint:gochecknoglobals

var errTestsFailed = errors.New("tests failed")

func main() {
	fmt.Printf("fhir-test-harness v%s\n", version)

	err := newRootCommand().ExecuteContext(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, errTestsFailed):
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newProcessLogger(cfg config.Config) zerolog.Logger {
	level := h.IfElse(cfg.DebugAll, zerolog.DebugLevel, zerolog.InfoLevel)
	if cfg.LogFormat == "json" {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg config.Config) error {
	logger := newProcessLogger(cfg)
	debugLogger := framework.ZerologLogger(logger, zerolog.DebugLevel)

	filters, err := cfg.Filters()
	if err != nil {
		return err
	}

	var resolver discovery.Resolver = discovery.StaticResolver(cfg.ServerURL)
	if cfg.ServerURL == "" {
		consulResolver, err := discovery.NewConsulResolver(cfg.ConsulAddress, cfg.ConsulService)
		if err != nil {
			return err
		}
		resolver = consulResolver
	}
	resolveCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	serverURL, err := resolver.Resolve(resolveCtx)
	cancel()
	if err != nil {
		return errors.Wrap(err, "cannot find the server under test")
	}
	logger.Info().Str("url", serverURL).Str("dataStore", cfg.DataStore).Msg("server under test")

	th, err := harness.NewTestHarness(harness.Config{
		ServerBaseURL:      serverURL,
		ExternalHostname:   cfg.Host,
		Port:               cfg.Port,
		StatusQueryTimeout: cfg.StatusTimeout,
		DebugLogger:        debugLogger,
		StartupOutput:      os.Stdout,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := th.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing harness listener")
		}
	}()

	settings := fixtures.Settings{
		Resolver:       discovery.StaticResolver(serverURL),
		Auth:           cfg.Auth,
		RequestTimeout: requestTimeout,
		Logger:         debugLogger,
	}
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer rdb.Close() //nolint:errcheck
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Wrapf(err, "cannot reach Redis at %s", cfg.RedisAddress)
		}
		settings.TokenStore = auth.NewRedisTokenStore(rdb, tokenKeyPrefix)
	}

	var blobs *blobstore.Store
	if cfg.Blob.Enabled() {
		blobs, err = blobstore.New(cfg.Blob, debugLogger)
		if err != nil {
			return err
		}
		if err := blobs.EnsureBucket(ctx); err != nil {
			return err
		}
	}

	capabilities := th.ServerInfo().Capabilities.
		With(cfg.EnableCapabilities...).
		Without(cfg.DisableCapabilities...)

	consoleLogger := &e2e.ConsoleTestLogger{
		DebugOutputOnFailure: cfg.Debug || cfg.DebugAll,
		DebugOutputOnSuccess: cfg.DebugAll,
	}
	var testLogger e2e.TestLogger = consoleLogger
	if cfg.JUnitFile != "" {
		testLogger = e2e.MultiTestLogger{Loggers: []e2e.TestLogger{
			consoleLogger,
			e2e.NewJUnitTestLogger(cfg.JUnitFile, th.ServerInfo(), filters),
		}}
	}

	results := fhirtests.RunFHIRTestSuite(fhirtests.SuiteConfig{
		Harness:        th,
		Servers:        fixtures.NewServerCache(settings),
		DataStore:      cfg.DataStore,
		BlobStore:      blobs,
		Capabilities:   capabilities,
		JobTimeout:     cfg.JobTimeout,
		MaxParallelism: cfg.Parallelism,
	}, filters, testLogger)

	fmt.Println()
	e2e.PrintResults(os.Stdout, results)
	if w, ok := testLogger.(e2e.ResultsWriter); ok {
		if err := w.EndLog(results); err != nil {
			return errors.Wrap(err, "error writing log")
		}
	}

	if cfg.RecordFailures != "" {
		if err := recordFailures(cfg.RecordFailures, results); err != nil {
			return err
		}
	}

	if !results.OK() {
		return errTestsFailed
	}
	return nil
}

func recordFailures(path string, results e2e.Results) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "cannot create suppression file")
	}
	defer f.Close() //nolint:errcheck
	return e2e.WriteFailureList(f, results)
}
