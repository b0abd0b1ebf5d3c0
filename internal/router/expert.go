package router

import (
	"github.com/kandev/router/internal/identity"
	"github.com/kandev/router/internal/session"
)

// applyExpertDomainFallback handles the case where the routing decision
// matched an expert session but the identified expert has no declared
// coverage for that session's domain: the match still stands but
// confidence is downgraded by one confidence band, which may itself force
// NEW_SESSION if the downgrade crosses below 0.5.
func applyExpertDomainFallback(decision Decision, ident identity.Record, candidates session.QueryResult) Decision {
	if decision.MatchedRole != MatchedExpert || decision.IsNewSession() {
		return decision
	}
	domain := domainOf(decision.SessionID, candidates.AsExpert)
	if domain == "" || containsDomain(ident.ExpertDomains, domain) {
		return decision
	}

	decision.Confidence = downgradeOneBand(decision.Confidence)
	decision.Reasoning += " (domain fallback: expert has no declared coverage for " + domain + ")"
	if decision.Confidence < 0.5 {
		decision.SessionID = NewSession
	}
	return decision
}

func domainOf(sessionID string, candidates []session.Session) string {
	for _, s := range candidates {
		if s.SessionID == sessionID {
			return s.Domain
		}
	}
	return ""
}

func containsDomain(domains []string, domain string) bool {
	for _, d := range domains {
		if d == domain {
			return true
		}
	}
	return false
}

// downgradeOneBand moves a confidence value down one of §4.3's bands:
// strong (>=0.9) -> plausible, plausible (>=0.7) -> weak, weak -> below 0.5.
func downgradeOneBand(c float64) float64 {
	switch {
	case c >= 0.9:
		return 0.89
	case c >= 0.7:
		return 0.69
	default:
		return 0.49
	}
}
