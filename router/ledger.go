package router

import "sync"

const defaultLedgerSize = 1000

// Ledger is a bounded append-only log of execution results. Only the most recent size entries are kept.
type Ledger struct {
	mu      sync.Mutex
	size    int
	results []ExecutionResult
}

func NewLedger(size int) *Ledger {
	if size <= 0 {
		size = defaultLedgerSize
	}
	return &Ledger{
		size:    size,
		results: make([]ExecutionResult, 0, size),
	}
}

func (l *Ledger) Append(r ExecutionResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.results) == l.size {
		copy(l.results, l.results[1:])
		l.results = l.results[:l.size-1]
	}
	l.results = append(l.results, r.Copy())
}

// Snapshot returns the retained results, oldest first
func (l *Ledger) Snapshot() []ExecutionResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ExecutionResult, len(l.results))
	for i := range l.results {
		out[i] = l.results[i].Copy()
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.results)
}

// Stats derives aggregate numbers from the retained results
func (l *Ledger) Stats() ExecutionStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stats ExecutionStats
	var successOutcome float64
	for _, r := range l.results {
		stats.Total++
		stats.TotalOutcome += r.RealizedOutcome
		if r.Success {
			stats.Successful++
			successOutcome += r.RealizedOutcome
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total) * 100
		stats.AvgOutcome = stats.TotalOutcome / float64(stats.Total)
	}
	if stats.Successful > 0 {
		stats.AvgSuccessValue = successOutcome / float64(stats.Successful)
	}
	return stats
}
