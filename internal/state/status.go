package state

import "time"

// DeriveFromAgents returns the highest-precedence status among agents, or
// StatusIdle when there are none.
func DeriveFromAgents(agents []Agent) Status {
	best := StatusIdle
	for _, a := range agents {
		if statusPrecedence[a.Status] > statusPrecedence[best] {
			best = a.Status
		}
	}
	return best
}

// derive recomputes the project status. blockedSince is stamped on the
// transition into blocked and cleared on the transition out, never
// otherwise. It reports whether anything changed.
func (p *projectRecord) derive(now time.Time) bool {
	best := StatusIdle
	for _, a := range p.agents {
		if statusPrecedence[a.Status] > statusPrecedence[best] {
			best = a.Status
		}
	}

	if best == p.status {
		if best == StatusBlocked && p.blockedSince.IsZero() {
			p.blockedSince = now
			return true
		}
		return false
	}

	switch {
	case best == StatusBlocked:
		p.blockedSince = now
	case p.status == StatusBlocked:
		p.blockedSince = time.Time{}
	}
	p.status = best
	return true
}
