package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"mipool/domain/core"
	"mipool/domain/dataset"
	"mipool/domain/inference"
	"mipool/domain/model"
	"mipool/internal"
	"mipool/internal/config"
	"mipool/internal/fitter"
	"mipool/internal/margins"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Options configures one estimation run.
type Options struct {
	// Workers caps concurrent per-imputation fits. Defaults to NumCPU.
	Workers int
	// MaxFailureRate is the fraction of imputations allowed to fail before
	// the run aborts instead of pooling a biased subset. Defaults to 0.10.
	MaxFailureRate float64
	// ConfidenceLevel for pooled intervals. Defaults to 0.95.
	ConfidenceLevel float64
	Logger          *internal.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = runtime.NumCPU()
	}
	if o.MaxFailureRate <= 0 {
		o.MaxFailureRate = 0.10
	}
	if o.ConfidenceLevel <= 0 || o.ConfidenceLevel >= 1 {
		o.ConfidenceLevel = 0.95
	}
	if o.Logger == nil {
		o.Logger = internal.NewDefaultLogger()
	}
	return o
}

// Runner executes the fan-out/fan-in estimation pipeline: validate inputs,
// fit the model to every imputation on a bounded worker pool, then pool the
// successful fits. Per-imputation fits share no mutable state, so the only
// synchronization is the fan-in barrier before pooling.
type Runner struct {
	opts Options
}

// NewRunner creates a runner with the given options.
func NewRunner(opts Options) *Runner {
	return &Runner{opts: opts.withDefaults()}
}

// FromConfig creates a runner from the environment-backed configuration.
func FromConfig(cfg config.PipelineConfig, logger *internal.Logger) *Runner {
	return NewRunner(Options{
		Workers:         cfg.Workers,
		MaxFailureRate:  cfg.MaxFailureRate,
		ConfidenceLevel: cfg.ConfidenceLevel,
		Logger:          logger,
	})
}

// Result bundles the outcome of one model run. Fits are retained so marginal
// predictions can be computed from the same run without refitting.
type Result struct {
	Report RunReport
	Fits   []*inference.FitResult
	Pooled *inference.PooledTable

	fitter *fitter.Fitter
	level  float64
	logger *internal.Logger
}

// Margins computes pooled marginal predictions over a covariate grid from
// this run's fits, holding non-grid covariates at the given references.
func (r *Result) Margins(grid margins.Grid, refs margins.References) (*margins.PooledPredictions, error) {
	eng := margins.NewEngine(r.fitter, r.logger)
	return eng.Pooled(r.Fits, grid, refs, r.level)
}

// Run validates the Set and specification, fits every imputation in parallel
// and pools. Input-validation errors are fatal and immediate. Per-imputation
// failures are tolerated up to the failure threshold; once the threshold is
// exceeded, in-flight fits are cancelled since their results will not be
// used, and the run returns ErrFailureThreshold together with the report.
func (r *Runner) Run(ctx context.Context, set dataset.Set, spec model.Spec) (*Result, error) {
	start := time.Now()
	log := r.opts.Logger

	f, err := fitter.New(set, spec, log)
	if err != nil {
		if core.IsValidationError(err) {
			log.Error("run %q rejected before fitting: %v", spec.Name, err)
		}
		return nil, err
	}

	n := len(set)
	allowed := int(float64(n) * r.opts.MaxFailureRate)
	if n-allowed < 2 {
		allowed = n - 2
		if allowed < 0 {
			allowed = 0
		}
	}
	log.Info("run %q: %d imputations, %d workers, up to %d failures tolerated", spec.Name, n, r.opts.Workers, allowed)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sem := semaphore.NewWeighted(int64(r.opts.Workers))
	g, gctx := errgroup.WithContext(runCtx)

	var mu sync.Mutex
	var fits []*inference.FitResult
	var failures []FitFailure
	var timings []FitTiming
	cancelled := 0

	for i, d := range set {
		i, d := i, d
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				mu.Lock()
				cancelled++
				mu.Unlock()
				return nil
			}
			defer sem.Release(1)

			t0 := time.Now()
			res, fitErr := f.FitOne(gctx, d, i)
			elapsed := time.Since(t0)

			mu.Lock()
			defer mu.Unlock()
			if fitErr != nil {
				if errors.Is(fitErr, context.Canceled) || errors.Is(fitErr, context.DeadlineExceeded) {
					cancelled++
					return nil
				}
				if core.IsFitFailure(fitErr) {
					log.Warn("imputation %d failed after %s: %v", i, elapsed.Round(time.Millisecond), fitErr)
				} else {
					log.Error("imputation %d failed unexpectedly after %s: %v", i, elapsed.Round(time.Millisecond), fitErr)
				}
				failures = append(failures, FitFailure{Imputation: i, Reason: fitErr.Error()})
				if len(failures) > allowed {
					// Remaining fits cannot rescue the run.
					cancel()
				}
				return nil
			}
			log.Debug("imputation %d fit in %s (n=%d)", i, elapsed.Round(time.Millisecond), res.SampleSize)
			timings = append(timings, FitTiming{Imputation: i, Elapsed: elapsed})
			fits = append(fits, res)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(fits, func(a, b int) bool { return fits[a].Imputation < fits[b].Imputation })
	sort.Slice(failures, func(a, b int) bool { return failures[a].Imputation < failures[b].Imputation })
	sort.Slice(timings, func(a, b int) bool { return timings[a].Imputation < timings[b].Imputation })

	result := &Result{
		Report: RunReport{
			RunID:     core.RunID(core.NewID()),
			ModelID:   spec.ID,
			Model:     spec.Name,
			Attempted: n,
			Succeeded: len(fits),
			Cancelled: cancelled,
			Failures:  failures,
			Timings:   timings,
			Elapsed:   time.Since(start),
		},
		Fits:   fits,
		fitter: f,
		level:  r.opts.ConfidenceLevel,
		logger: log,
	}
	log.Info("%s", result.Report.String())

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if len(failures) > allowed {
		return result, fmt.Errorf("%w: %d of %d imputations failed (allowed %d)",
			core.ErrFailureThreshold, len(failures), n, allowed)
	}
	if len(fits) < 2 {
		return result, fmt.Errorf("%w: %d succeeded", core.ErrTooFewFits, len(fits))
	}

	pooled, err := inference.Pool(spec.Name, fits, r.opts.ConfidenceLevel)
	if err != nil {
		return result, err
	}
	result.Pooled = pooled
	return result, nil
}
