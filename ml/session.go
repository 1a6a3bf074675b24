package ml

import "context"

// Session is one compiled model graph. The engine never inspects the
// graph; it only feeds named tensors and reads named outputs.
//
// A Session is exclusively owned by the pipeline that created it. Run may
// not be called concurrently, and never after Close.
type Session interface {
	// Inputs returns the graph's declared input names, in graph order.
	Inputs() []string

	// Outputs returns the graph's declared output names, in graph order.
	Outputs() []string

	// Run executes one forward pass. Every declared input must be present
	// in feeds; outputs are keyed by name.
	Run(ctx context.Context, feeds []*Tensor) (map[string]*Tensor, error)

	// Close releases the session. Further Run calls fail.
	Close() error
}
