package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/warehouse/utils/pkg/logger"
	"github.com/malbeclabs/warehouse/warehouse/pkg/backup"
	"github.com/malbeclabs/warehouse/warehouse/pkg/config"
	"github.com/malbeclabs/warehouse/warehouse/pkg/hooks"
	"github.com/malbeclabs/warehouse/warehouse/pkg/job"
	"github.com/malbeclabs/warehouse/warehouse/pkg/merge"
	"github.com/malbeclabs/warehouse/warehouse/pkg/metrics"
	"github.com/malbeclabs/warehouse/warehouse/pkg/report"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const metricsJob = "warehouse"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	configFlag := flag.String("config", "warehouse.yaml", "Dataset registry file (or set WAREHOUSE_CONFIG env var)")
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	parallelFlag := flag.Int("parallel", 1, "Number of datasets merged at once")
	onlyFlag := flag.StringSlice("only", nil, "Only merge these datasets (comma separated)")
	keyOverrideFlag := flag.String("key-override", "", "JSON key tuples, or @file, replacing the keys of the first extract of each selected dataset")
	strictCastsFlag := flag.Bool("strict-casts", false, "Fail merges whose values would lose information when cast")
	summaryJSONFlag := flag.String("summary-json", "", "Also write the run summary as JSON to this file")
	inspectFlag := flag.Bool("inspect", false, "Print the row count and schema of every dataset and exit")
	metricsPushURLFlag := flag.String("metrics-push-url", "", "Prometheus Pushgateway URL (or set PUSHGATEWAY_URL env var)")

	// S3 mirror of backups
	s3BucketFlag := flag.String("s3-bucket", "", "Mirror backups to this S3 bucket (or set WAREHOUSE_S3_BUCKET env var)")
	s3PrefixFlag := flag.String("s3-prefix", "warehouse", "Key prefix of mirrored backups (or set WAREHOUSE_S3_PREFIX env var)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("WAREHOUSE_CONFIG"); env != "" {
		*configFlag = env
	}
	if env := os.Getenv("PUSHGATEWAY_URL"); env != "" {
		*metricsPushURLFlag = env
	}
	if env := os.Getenv("WAREHOUSE_S3_BUCKET"); env != "" {
		*s3BucketFlag = env
	}
	if env := os.Getenv("WAREHOUSE_S3_PREFIX"); env != "" {
		*s3PrefixFlag = env
	}

	reg, err := config.Load(*configFlag)
	if err != nil {
		return err
	}
	if err := applyEnvDirs(reg); err != nil {
		return err
	}

	if *inspectFlag {
		infos, err := job.Inspect(reg)
		if err != nil {
			return err
		}
		return job.WriteInspect(os.Stdout, infos)
	}

	var override *job.KeyOverride
	if *keyOverrideFlag != "" {
		data := []byte(*keyOverrideFlag)
		if path, ok := strings.CutPrefix(*keyOverrideFlag, "@"); ok {
			if data, err = os.ReadFile(path); err != nil {
				return fmt.Errorf("failed to read key override: %w", err)
			}
		}
		if override, err = job.ParseKeyOverride(data); err != nil {
			return err
		}
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      sentryEnv,
			Release:          version,
			TracesSampleRate: 1.0,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(5 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	procLog, err := report.OpenProcessLog(reg.ProcessLog)
	if err != nil {
		return err
	}
	defer procLog.Close()

	reporter, err := report.NewReporter(report.ReporterConfig{Logger: log, ProcessLog: procLog})
	if err != nil {
		return err
	}

	var mirror backup.Mirror
	if *s3BucketFlag != "" {
		mirror, err = newS3Mirror(ctx, log, *s3BucketFlag, *s3PrefixFlag)
		if err != nil {
			return err
		}
		log.Info("mirroring backups to s3", "bucket", *s3BucketFlag, "prefix", *s3PrefixFlag)
	}
	backups, err := backup.NewManager(backup.ManagerConfig{
		Logger: log,
		Dir:    reg.VersionsDir,
		Mirror: mirror,
	})
	if err != nil {
		return err
	}

	hookReg, err := hooks.FromConfig(reg)
	if err != nil {
		return err
	}

	engine, err := merge.NewEngine(merge.EngineConfig{
		Logger:      log,
		Reporter:    reporter,
		Backups:     backups,
		Hooks:       hookReg,
		StrictCasts: *strictCastsFlag,
	})
	if err != nil {
		return err
	}

	runner, err := job.NewRunner(job.RunnerConfig{
		Logger:      log,
		Registry:    reg,
		Engine:      engine,
		Reporter:    reporter,
		Parallelism: *parallelFlag,
		Only:        *onlyFlag,
		KeyOverride: override,
		OnFatal: func(res *report.MergeResult) {
			if res.Err == nil {
				return
			}
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("dataset", res.Dataset)
				scope.SetTag("op_id", res.OpID.String())
				sentry.CaptureException(res.Err)
			})
		},
	})
	if err != nil {
		return err
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	log.Info("warehouse update starting", "config", *configFlag, "datasets", len(reg.Datasets), "derived", len(reg.Derived))

	summary, runErr := runner.Run(ctx)
	if err := summary.WriteText(os.Stdout); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	if *summaryJSONFlag != "" {
		if err := writeSummaryJSON(*summaryJSONFlag, summary); err != nil {
			return err
		}
	}

	if *metricsPushURLFlag != "" {
		pushCtx, pushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer pushCancel()
		if err := metrics.Push(pushCtx, *metricsPushURLFlag, metricsJob); err != nil {
			log.Warn("metrics push failed", "error", err)
		}
	}

	if runErr != nil {
		return fmt.Errorf("run interrupted: %w", runErr)
	}
	if failed := summary.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d merges failed", len(failed))
	}
	return nil
}

// applyEnvDirs lets the environment relocate the registry's directories.
func applyEnvDirs(reg *config.Registry) error {
	for env, dst := range map[string]*string{
		"WAREHOUSE_DATA_DIR":     &reg.DataDir,
		"WAREHOUSE_VERSIONS_DIR": &reg.VersionsDir,
		"WAREHOUSE_INPUT_DIR":    &reg.InputDir,
		"WAREHOUSE_PROCESS_LOG":  &reg.ProcessLog,
	} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		abs, err := filepath.Abs(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		*dst = abs
	}
	return nil
}

func newS3Mirror(ctx context.Context, log *slog.Logger, bucket, prefix string) (*backup.S3Mirror, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return backup.NewS3Mirror(backup.S3MirrorConfig{
		Logger: log,
		Client: s3.NewFromConfig(awsCfg),
		Bucket: bucket,
		Prefix: prefix,
	})
}

func writeSummaryJSON(path string, summary *report.Summary) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	return summary.WriteJSON(f)
}
