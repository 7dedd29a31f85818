package generation

import (
	"context"

	"github.com/phrazzld/renderq/internal/domain"
)

// Request describes one generation attempt for a resolved parameter
// point. Width and height are already computed from the aspect ratio.
type Request struct {
	Prompts []domain.Prompt
	Width   int
	Height  int

	// Seed of 0 asks the service for a random seed; the effective seed
	// is reported back in the result.
	Seed int64

	UsePolish bool

	// Fidelity selects the higher-fidelity endpoint; Options carries
	// its extra model parameters.
	Fidelity bool
	Options  *domain.FidelityOptions
}

// Result is a successful generation outcome.
type Result struct {
	ImageURL      string
	EffectiveSeed int64
}

// Generator is the contract consumed by the subtask worker. It is
// implemented as submit-then-poll against the remote service; failures
// are returned as *Error values carrying an ErrorKind.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}
