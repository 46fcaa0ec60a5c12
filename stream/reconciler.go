package stream

import "strings"

// Reconciler turns successive full-text candidates into display deltas.
// It owns the state of one in-flight stream and is not safe for concurrent use.
type Reconciler struct {
	accumulated string
	lastFull    string
}

// Reconcile compares candidate against the last emitted full text.
// It reports false when nothing needs to be emitted.
func (r *Reconciler) Reconcile(candidate string) (Delta, bool) {
	prev := r.lastFull
	if candidate == prev {
		return Delta{}, false
	}
	r.lastFull = candidate
	r.accumulated = candidate

	// An empty buffer extended by the candidate is the same as appending it.
	if strings.HasPrefix(candidate, prev) {
		return Append(candidate[len(prev):]), true
	}
	return Replace(candidate), true
}

// Extend appends an incremental fragment that is already known to be a suffix
func (r *Reconciler) Extend(fragment string) (Delta, bool) {
	if fragment == "" {
		return Delta{}, false
	}
	return r.Reconcile(r.lastFull + fragment)
}

// Accumulated is the text the caller's buffer holds after every emitted delta
func (r *Reconciler) Accumulated() string {
	return r.accumulated
}

// LastFull is the last full candidate that produced a delta
func (r *Reconciler) LastFull() string {
	return r.lastFull
}
