// Package reasoner defines the contract to the external reasoning process
// and a subprocess-backed implementation. The reasoner is opaque: the relay
// hands it an enriched prompt and consumes a success/output/error result
// plus free-form progress lines.
package reasoner

import "context"

// ApprovalMarker prefixes a progress line carrying an out-of-band approval
// request. The pipeline surfaces such lines verbatim.
const ApprovalMarker = "APPROVAL_REQUIRED:"

// Request is one reasoner invocation.
type Request struct {
	Prompt         string
	ToolConfigPath string
	ExtraArgs      []string
}

// Result is the reasoner's terminal answer.
type Result struct {
	Success   bool
	Output    string
	Error     string
	SessionID string
}

// ProgressSink receives free-form progress lines during a call. Sinks must
// be cheap; the pipeline applies rate limiting centrally.
type ProgressSink func(line string)

// Reasoner produces a response for an enriched prompt. Implementations must
// honor context cancellation and deadlines.
type Reasoner interface {
	Execute(ctx context.Context, req Request, progress ProgressSink) (*Result, error)
}

// Func adapts a function to the Reasoner interface. Used by embedders and
// tests that stub the reasoning step.
type Func func(ctx context.Context, req Request, progress ProgressSink) (*Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request, progress ProgressSink) (*Result, error) {
	return f(ctx, req, progress)
}
