// Package llm provides the language-model gateway used by the turn processor.
package llm

import (
	"context"
)

// Generator sends a prompt to a generative-language API and returns the
// generated text. Implementations are remote calls: they may be slow and may
// fail, and callers are expected to absorb failures with safe defaults.
type Generator interface {
	GenerateContent(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// GenerateContent implements Generator.
func (f GeneratorFunc) GenerateContent(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
