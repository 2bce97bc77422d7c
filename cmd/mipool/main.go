// Command mipool runs one pooled model against an imputation-set workbook.
// It is the thin batch entrypoint the surrounding analysis scripts call; the
// estimation itself lives in the library packages.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"mipool/adapters/excel"
	"mipool/adapters/postgres"
	"mipool/domain/core"
	"mipool/domain/model"
	"mipool/internal"
	"mipool/internal/config"
	"mipool/internal/margins"
	"mipool/internal/pipeline"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mipool:", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; environment variables win.
	_ = godotenv.Load()

	var (
		workbook = flag.String("workbook", "", "imputation-set workbook (.xlsx, one sheet per imputation); overrides MIPOOL_WORKBOOK")
		outcome  = flag.String("outcome", "", "outcome column (continuous)")
		family   = flag.String("family", string(model.Gaussian), "model family: gaussian or binomial")
		terms    = flag.String("terms", "", "comma-separated fixed-effect terms; interactions as a:b")
		groups   = flag.String("groups", "", "comma-separated random-intercept grouping columns")
		slopes   = flag.String("slopes", "", "random slopes as group/term, comma-separated")
		gridFlag = flag.String("grid", "", "prediction grid as col=v1|v2|..., comma-separated axes")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *workbook == "" {
		*workbook = cfg.Data.WorkbookPath
	}
	if *workbook == "" || *outcome == "" || *terms == "" {
		flag.Usage()
		return fmt.Errorf("-workbook, -outcome and -terms are required")
	}

	logger := internal.NewDefaultLogger()
	set, err := excel.NewSetReader(*workbook, logger).ReadSet()
	if err != nil {
		return err
	}

	spec, err := buildSpec(*outcome, *family, *terms, *groups, *slopes)
	if err != nil {
		return err
	}

	ctx := context.Background()
	runner := pipeline.FromConfig(cfg.Pipeline, logger)
	result, err := runner.Run(ctx, set, spec)
	if err != nil {
		return err
	}
	printTable(result)

	var preds *margins.PooledPredictions
	if *gridFlag != "" {
		grid, err := parseGrid(*gridFlag)
		if err != nil {
			return err
		}
		refs, err := margins.AutoReferences(set, spec, grid)
		if err != nil {
			return err
		}
		preds, err = result.Margins(grid, refs)
		if err != nil {
			return err
		}
		printPredictions(preds)
	}

	if cfg.Database.URL != "" {
		if err := persist(ctx, cfg.Database.URL, result, preds); err != nil {
			return err
		}
		logger.Info("results stored under run %s", result.Report.RunID)
	}
	return nil
}

func buildSpec(outcome, family, terms, groups, slopes string) (model.Spec, error) {
	b := model.NewSpec("cli", core.Column(outcome), model.Family(family))
	for _, t := range splitList(terms) {
		b.AddTerms(parseTerm(t))
	}
	for _, g := range splitList(groups) {
		b.AddRandomIntercept(core.Column(g))
	}
	for _, s := range splitList(slopes) {
		group, term, ok := strings.Cut(s, "/")
		if !ok {
			return model.Spec{}, fmt.Errorf("slope %q: want group/term", s)
		}
		b.AddRandomSlope(core.Column(group), parseTerm(term))
	}
	return b.Build(), nil
}

func parseTerm(s string) model.Term {
	parts := strings.Split(s, ":")
	cols := make([]core.Column, len(parts))
	for i, p := range parts {
		cols[i] = core.Column(strings.TrimSpace(p))
	}
	return model.T(cols...)
}

func parseGrid(s string) (margins.Grid, error) {
	var grid margins.Grid
	for _, axis := range splitList(s) {
		col, spec, ok := strings.Cut(axis, "=")
		if !ok {
			return grid, fmt.Errorf("grid axis %q: want col=v1|v2|...", axis)
		}
		values := strings.Split(spec, "|")
		var nums []float64
		numeric := true
		for _, v := range values {
			var f float64
			if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
				numeric = false
				break
			}
			nums = append(nums, f)
		}
		if numeric {
			grid.Axes = append(grid.Axes, margins.NumAxis(core.Column(col), nums...))
		} else {
			grid.Axes = append(grid.Axes, margins.LabAxis(core.Column(col), values...))
		}
	}
	return grid, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func ciHeader(level float64) string {
	return fmt.Sprintf("%g%% CI", level*100)
}

func printTable(result *pipeline.Result) {
	fmt.Printf("%s\n\n", result.Report.String())
	fmt.Printf("%-28s %12s %10s %8s %8s %10s %12s\n", "coefficient", "estimate", "se", "df", "t", "p", ciHeader(result.Pooled.Level))
	for _, c := range result.Pooled.Coefficients {
		fmt.Printf("%-28s %12.4f %10.4f %8.1f %8.2f %10.4g [%.3f, %.3f]\n",
			c.Name, c.Estimate, c.SE, c.DF, c.T, c.P, c.Lower, c.Upper)
	}
}

func printPredictions(preds *margins.PooledPredictions) {
	fmt.Println()
	for _, row := range preds.Rows {
		point, _ := json.Marshal(row.Settings)
		fmt.Printf("%s -> %.4f [%.4f, %.4f]\n", point, row.Estimate, row.Lower, row.Upper)
	}
}

func persist(ctx context.Context, url string, result *pipeline.Result, preds *margins.PooledPredictions) error {
	db, err := postgres.Connect(url)
	if err != nil {
		return err
	}
	defer db.Close()
	repo := postgres.NewResultsRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := repo.SaveRun(ctx, &result.Report); err != nil {
		return err
	}
	runID := result.Report.RunID.String()
	if err := repo.SavePooledTable(ctx, runID, result.Pooled); err != nil {
		return err
	}
	if preds != nil {
		return repo.SavePooledPredictions(ctx, runID, preds)
	}
	return nil
}
