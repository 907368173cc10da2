package llm

import (
	"context"
	"errors"
	"fmt"
)

// FallbackGenerator attempts a primary generator first and falls back on error.
type FallbackGenerator struct {
	primary  Generator
	fallback Generator
}

func NewFallbackGenerator(primary Generator, fallback Generator) *FallbackGenerator {
	return &FallbackGenerator{
		primary:  primary,
		fallback: fallback,
	}
}

// Primary returns the preferred generator used before fallback.
func (g *FallbackGenerator) Primary() Generator {
	if g == nil {
		return nil
	}
	return g.primary
}

// Secondary returns the fallback generator.
func (g *FallbackGenerator) Secondary() Generator {
	if g == nil {
		return nil
	}
	return g.fallback
}

// Generate tries the primary, then the secondary. Caller cancellation and
// deadlines stop the chain. When both fail the result joins both errors, so
// errors.Is and errors.As see either cause.
func (g *FallbackGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	if g == nil {
		return Response{}, errors.New("fallback generator misconfigured")
	}
	var errs []error
	for _, step := range []struct {
		name string
		gen  Generator
	}{{"primary", g.primary}, {"secondary", g.fallback}} {
		if step.gen == nil {
			continue
		}
		resp, err := step.gen.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Response{}, err
		}
		errs = append(errs, fmt.Errorf("%s generator: %w", step.name, err))
	}
	if len(errs) == 0 {
		return Response{}, errors.New("fallback generator misconfigured")
	}
	return Response{}, errors.Join(errs...)
}
