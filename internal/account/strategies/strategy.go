// Package strategies decides which pool slot serves the next request.
// The manager computes per-account availability and hands the
// strategies a flat candidate list; strategies only pick an index.
package strategies

// Strategy names.
const (
	Sticky     = "sticky"
	RoundRobin = "round-robin"
	Hybrid     = "hybrid"
)

// Labels for display on the status surface.
var Labels = map[string]string{
	Sticky:     "Sticky (Cache-Optimized)",
	RoundRobin: "Round-Robin (Load-Balanced)",
	Hybrid:     "Hybrid (Smart Distribution)",
}

// Candidate is one pool slot as the strategies see it. Key identifies
// the account in the trackers.
type Candidate struct {
	Index       int
	Key         string
	LastUsed    int64
	Available   bool
	RateLimited bool
	CoolingDown bool
}

// Selector picks a slot from the candidate list. current is the
// family's current index; ok is false when nothing is available.
type Selector interface {
	Select(candidates []Candidate, current int) (index int, ok bool)
}

// Valid reports whether name is a known strategy, accepting the
// "roundrobin" spelling some configs use.
func Valid(name string) bool {
	switch name {
	case Sticky, RoundRobin, Hybrid, "roundrobin":
		return true
	}
	return false
}

// Normalize maps aliases onto canonical names, defaulting to sticky.
func Normalize(name string) string {
	switch name {
	case Sticky, RoundRobin, Hybrid:
		return name
	case "roundrobin":
		return RoundRobin
	default:
		return Sticky
	}
}
