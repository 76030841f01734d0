package validation

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/georgepadayatti/tstcheck/sigfile"
	"github.com/georgepadayatti/tstcheck/sign/validation/report"
)

// Input is one signature to analyze. When Data is nil the signature is
// loaded from Path.
type Input struct {
	Path string
	Data []byte
}

// BatchResult is the outcome of analyzing one Input.
type BatchResult struct {
	Path     string
	Findings []report.Finding

	// Err is a load failure, a *cms.DecodeError for the envelope, the joined
	// token errors, or the context error when the run was cancelled.
	Err error
}

// HasErrors reports whether the input failed to decode or produced a
// policy violation.
func (r BatchResult) HasErrors() bool {
	if r.Err != nil {
		return true
	}
	for _, f := range r.Findings {
		if f.Kind.IsError() {
			return true
		}
	}
	return false
}

// AnalyzeBatch analyzes inputs concurrently, running at most limit at a
// time (limit <= 0 means no bound). Each input gets its own sink, so
// findings never interleave; results are returned in input order.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, inputs []Input, limit int) []BatchResult {
	results := make([]BatchResult, len(inputs))

	g, gCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, in := range inputs {
		g.Go(func() error {
			results[i] = a.analyzeInput(gCtx, in)
			return nil
		})
	}
	// Workers report through results; Wait only joins them.
	_ = g.Wait()

	return results
}

func (a *Analyzer) analyzeInput(ctx context.Context, in Input) BatchResult {
	result := BatchResult{Path: in.Path}
	if err := ctx.Err(); err != nil {
		result.Err = err
		return result
	}

	data := in.Data
	if data == nil {
		var err error
		data, err = sigfile.LoadSignature(in.Path)
		if err != nil {
			result.Err = err
			return result
		}
	}

	sink := report.NewMemorySink()
	result.Err = a.withField("input", in.Path).Analyze(data, sink)
	result.Findings = sink.Findings()
	for i := range result.Findings {
		result.Findings[i].Input = in.Path
	}
	return result
}
