package pipeline

import (
	"fmt"
	"strings"
	"time"

	"mipool/domain/core"
)

// FitFailure identifies one imputation whose fit failed and why.
type FitFailure struct {
	Imputation int    `json:"imputation"`
	Reason     string `json:"reason"`
}

// FitTiming records the wall-clock cost of one per-imputation fit. Full-scale
// runs over 100 imputations are computationally heavy, so per-fit cost is
// always surfaced.
type FitTiming struct {
	Imputation int           `json:"imputation"`
	Elapsed    time.Duration `json:"elapsed"`
}

// RunReport is the user-visible accounting of one model run: how many
// imputations were attempted, how many fit successfully, and which failed
// with what reason. Pooled results always cover only the successful subset.
type RunReport struct {
	RunID     core.RunID    `json:"run_id"`
	ModelID   core.ModelID  `json:"model_id"`
	Model     string        `json:"model"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Cancelled int           `json:"cancelled"`
	Failures  []FitFailure  `json:"failures,omitempty"`
	Timings   []FitTiming   `json:"timings"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Failed returns the count of failed imputations.
func (r *RunReport) Failed() int {
	return len(r.Failures)
}

// String renders the report in a compact single-paragraph form for logs.
func (r *RunReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "model %q: %d/%d imputations fit in %s", r.Model, r.Succeeded, r.Attempted, r.Elapsed.Round(time.Millisecond))
	if r.Cancelled > 0 {
		fmt.Fprintf(&b, ", %d cancelled", r.Cancelled)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "; imputation %d failed: %s", f.Imputation, f.Reason)
	}
	return b.String()
}
