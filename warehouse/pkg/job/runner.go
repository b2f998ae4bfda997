// Package job runs one warehouse update: every registered dataset is merged
// from its extracts, in isolation from the others, and derived datasets are
// rebuilt afterwards.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"slices"

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/warehouse/warehouse/pkg/config"
	"github.com/malbeclabs/warehouse/warehouse/pkg/dataset"
	"github.com/malbeclabs/warehouse/warehouse/pkg/merge"
	"github.com/malbeclabs/warehouse/warehouse/pkg/report"
	"github.com/malbeclabs/warehouse/warehouse/pkg/source"
	"golang.org/x/sync/errgroup"
)

type RunnerConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Registry *config.Registry
	Engine   *merge.Engine
	Reporter *report.Reporter
	Finder   *source.Finder
	// Parallelism bounds how many datasets merge at once. Extracts of one
	// dataset are always merged in order. Defaults to 1.
	Parallelism int
	// Only restricts the run to the named datasets and derived datasets.
	Only []string
	// KeyOverride applies to the first extract of every selected dataset.
	KeyOverride *KeyOverride
	// OnFatal is called for every result that failed.
	OnFatal func(*report.MergeResult)
}

func (cfg *RunnerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Reporter == nil {
		return errors.New("reporter is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Finder == nil {
		cfg.Finder = source.NewFinder(cfg.Registry.InputDir)
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	for _, name := range cfg.Only {
		_, isDataset := cfg.Registry.Dataset(name)
		isDerived := slices.ContainsFunc(cfg.Registry.Derived, func(d config.Derived) bool { return d.Name == name })
		if !isDataset && !isDerived {
			return fmt.Errorf("unknown dataset %q", name)
		}
	}
	return nil
}

type Runner struct {
	log *slog.Logger
	cfg RunnerConfig
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (r *Runner) selected(name string) bool {
	return len(r.cfg.Only) == 0 || slices.Contains(r.cfg.Only, name)
}

// Run merges every selected dataset and then rebuilds the derived datasets.
// A failing dataset never stops the others; its failure is in the summary.
// The returned error is only set when the context was cancelled.
func (r *Runner) Run(ctx context.Context) (*report.Summary, error) {
	summary := report.NewSummary()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for _, ds := range r.cfg.Registry.AllDatasets() {
		if !r.selected(ds.Name) {
			continue
		}
		g.Go(func() error {
			for _, res := range r.runDataset(gctx, ds) {
				summary.Add(res)
				if res.Fatal && r.cfg.OnFatal != nil {
					r.cfg.OnFatal(res)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	for _, d := range r.cfg.Registry.AllDerived() {
		if len(r.cfg.Only) > 0 && !r.selected(d.Name) && !r.selected(d.Left) && !r.selected(d.Right) {
			continue
		}
		res := BuildDerived(ctx, DerivedConfig{
			Logger:   r.log,
			Clock:    r.cfg.Clock,
			Registry: r.cfg.Registry,
			Reporter: r.cfg.Reporter,
		}, d)
		summary.Add(res)
		if res.Fatal && r.cfg.OnFatal != nil {
			r.cfg.OnFatal(res)
		}
	}
	return summary, ctx.Err()
}

// runDataset merges each extract of ds in name order. A panic is converted
// into a failed result for the dataset.
func (r *Runner) runDataset(ctx context.Context, ds config.Dataset) (results []*report.MergeResult) {
	span := sentry.StartSpan(ctx, "warehouse.merge", sentry.WithDescription("merge "+ds.Name))
	span.SetTag("dataset", ds.Name)
	ctx = span.Context()
	defer span.Finish()

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("job: panic while merging", "dataset", ds.Name, "panic", p, "stack", string(debug.Stack()))
			results = append(results, r.failed(ds.Name, "", fmt.Errorf("panic: %v", p)))
			span.Status = sentry.SpanStatusInternalError
		}
	}()

	files, err := r.cfg.Finder.Find(ds.Source.Prefix)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return []*report.MergeResult{r.failed(ds.Name, "", err)}
	}
	if len(files) == 0 {
		return []*report.MergeResult{r.sourceNotFound(ds)}
	}
	r.log.Debug("job: extracts found", "dataset", ds.Name, "files", len(files))

	opts, err := source.OptionsFor(ds)
	if err != nil {
		return []*report.MergeResult{r.failed(ds.Name, "", err)}
	}
	var override *dataset.Batch
	if r.cfg.KeyOverride != nil {
		override, err = r.cfg.KeyOverride.Batch(ds)
		if err != nil {
			return []*report.MergeResult{r.failed(ds.Name, "", err)}
		}
	}

	path := r.cfg.Registry.Path(ds.File)
	for i, file := range files {
		name := filepath.Base(file)
		batch, st, err := source.ReadFile(ctx, file, opts)
		if err != nil {
			results = append(results, r.failed(ds.Name, name, err))
			break
		}
		var warnings []string
		if st.Nulled > 0 {
			warnings = append(warnings, fmt.Sprintf("%d values did not parse as their declared type and were read as null", st.Nulled))
		}
		for _, rn := range st.Renamed {
			warnings = append(warnings, "header renamed: "+rn)
		}
		mopts := merge.MergeOptions{Source: name, Warnings: warnings}
		if i == 0 {
			mopts.KeyOverride = override
		}
		res := r.cfg.Engine.Merge(ctx, ds, path, batch, mopts)
		results = append(results, res)
		if res.Fatal {
			span.Status = sentry.SpanStatusInternalError
			if rest := len(files) - i - 1; rest > 0 {
				r.log.Warn("job: skipping remaining extracts after failure", "dataset", ds.Name, "skipped", rest)
			}
			break
		}
	}
	if span.Status != sentry.SpanStatusInternalError {
		span.Status = sentry.SpanStatusOK
	}
	return results
}

// failed records a failure that happened before the engine was reached.
func (r *Runner) failed(name, src string, err error) *report.MergeResult {
	res := report.NewMergeResult(name, src, r.cfg.Clock.Now())
	res.Fail(err)
	res.FinishedAt = r.cfg.Clock.Now()
	r.cfg.Reporter.Record(res)
	return res
}

func (r *Runner) sourceNotFound(ds config.Dataset) *report.MergeResult {
	res := report.NewMergeResult(ds.Name, "", r.cfg.Clock.Now())
	res.Mode = report.ModeSkipped
	err := fmt.Errorf("%w: no %s*.csv in %s", merge.ErrSourceNotFound, ds.Source.Prefix, r.cfg.Finder.Dir())
	res.AddError(err)
	r.cfg.Reporter.Event(res, report.EventSourceNotFound, "no extract found", "prefix", ds.Source.Prefix)
	r.log.Warn("job: no extract found", "dataset", ds.Name, "prefix", ds.Source.Prefix)
	res.FinishedAt = r.cfg.Clock.Now()
	r.cfg.Reporter.Record(res)
	return res
}
