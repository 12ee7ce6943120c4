package resolver

import (
	"context"
	"time"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
)

// Disambiguator is an external oracle (typically an LLM) that maps a set of
// name hints to one canonical name. It may return an empty name when it has
// no opinion.
type Disambiguator interface {
	Interpret(ctx context.Context, hints []string) (name string, confidence float64, err error)
}

// DisambiguatorFunc adapts a function to Disambiguator.
type DisambiguatorFunc func(ctx context.Context, hints []string) (string, float64, error)

func (f DisambiguatorFunc) Interpret(ctx context.Context, hints []string) (string, float64, error) {
	return f(ctx, hints)
}

// NoopDisambiguator never has an opinion.
type NoopDisambiguator struct{}

func (NoopDisambiguator) Interpret(context.Context, []string) (string, float64, error) {
	return "", 0, nil
}

type interpretResult struct {
	name       string
	confidence float64
	err        error
}

// WithTimeout bounds every Interpret call. The oracle runs on its own
// goroutine so one that ignores ctx still cannot block the caller past the
// deadline. Failures and timeouts are returned wrapped in ErrOracleUnavailable.
func WithTimeout(d Disambiguator, timeout time.Duration) Disambiguator {
	return DisambiguatorFunc(func(ctx context.Context, hints []string) (string, float64, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		done := make(chan interpretResult, 1)
		go func() {
			name, confidence, err := d.Interpret(ctx, hints)
			done <- interpretResult{name: name, confidence: confidence, err: err}
		}()

		select {
		case <-ctx.Done():
			return "", 0, ferrors.OracleUnavailable(ctx.Err())
		case res := <-done:
			if res.err != nil {
				return "", 0, ferrors.OracleUnavailable(res.err)
			}
			return res.name, res.confidence, nil
		}
	})
}
