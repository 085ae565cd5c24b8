package runner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blakegallagher1/gpc-cres/internal/agent"
)

// ProofGroup names a set of tools of which at least one must have been
// invoked for the owning intent's result to count as proven.
type ProofGroup struct {
	Name  string
	Tools []string
}

// ProofRegistry maps intents to their required proof groups. The registry is
// constructed once at process start and passed to the engine explicitly; no
// global registration happens at import time.
type ProofRegistry struct {
	groups map[string][]ProofGroup
}

// NewProofRegistry builds an empty registry.
func NewProofRegistry() *ProofRegistry {
	return &ProofRegistry{groups: make(map[string][]ProofGroup)}
}

// Register binds proof groups to an intent, replacing any prior binding.
func (r *ProofRegistry) Register(intent string, groups ...ProofGroup) {
	r.groups[intent] = groups
}

// Evaluate returns the names of proof groups the invoked tool set fails to
// satisfy. An intent with no registered groups always passes.
func (r *ProofRegistry) Evaluate(intent string, toolsInvoked []string) []string {
	groups := r.groups[intent]
	if len(groups) == 0 {
		return nil
	}
	invoked := make(map[string]struct{}, len(toolsInvoked))
	for _, t := range toolsInvoked {
		invoked[t] = struct{}{}
	}
	var missing []string
	for _, g := range groups {
		satisfied := false
		for _, tool := range g.Tools {
			if _, ok := invoked[tool]; ok {
				satisfied = true
				break
			}
		}
		if !satisfied {
			missing = append(missing, g.Name)
		}
	}
	return missing
}

// Checks reports the full satisfied/unsatisfied picture for an intent.
func (r *ProofRegistry) Checks(intent string, toolsInvoked []string) []ProofCheck {
	groups := r.groups[intent]
	if len(groups) == 0 {
		return nil
	}
	missing := make(map[string]struct{})
	for _, name := range r.Evaluate(intent, toolsInvoked) {
		missing[name] = struct{}{}
	}
	checks := make([]ProofCheck, 0, len(groups))
	for _, g := range groups {
		_, failed := missing[g.Name]
		checks = append(checks, ProofCheck{Group: g.Name, Tools: g.Tools, Satisfied: !failed})
	}
	return checks
}

// NewDefaultProofRegistry wires the evidence policy for the built-in intents.
func NewDefaultProofRegistry() *ProofRegistry {
	r := NewProofRegistry()
	r.Register(IntentParcelResearch,
		ProofGroup{Name: "parcel_lookup", Tools: []string{"search_parcels", "get_parcel_details"}},
	)
	r.Register(IntentUnderwriting,
		ProofGroup{Name: "financial_model", Tools: []string{"run_pro_forma", "calculate_returns"}},
	)
	r.Register(IntentMarketAnalysis,
		ProofGroup{Name: "market_data", Tools: []string{"get_market_data", "get_demographics"}},
	)
	r.Register(IntentRiskAssessment,
		ProofGroup{Name: "hazard_lookup", Tools: []string{"get_flood_zone", "get_environmental_data"}},
	)
	r.Register(IntentTaxStrategy,
		ProofGroup{Name: "tax_model", Tools: []string{"calculate_depreciation", "analyze_1031_exchange"}},
	)
	r.Register(IntentLegalReview,
		ProofGroup{Name: "record_lookup", Tools: []string{"get_zoning_code", "search_county_records"}},
	)
	return r
}

// Built-in run intents. Derived from the input messages by keyword scoring.
const (
	IntentParcelResearch       = "parcel_research"
	IntentUnderwriting         = "underwriting"
	IntentMarketAnalysis       = "market_analysis"
	IntentRiskAssessment       = "risk_assessment"
	IntentTaxStrategy          = "tax_strategy"
	IntentLegalReview          = "legal_review"
	IntentOperationsTracking   = "operations_tracking"
	IntentDispositionMarketing = "disposition_marketing"
	IntentComprehensiveReview  = "comprehensive_review"
)

var intentKeywords = map[string][]string{
	IntentParcelResearch:       {"find land", "parcel", "comparable", "comp", "demographic", "research"},
	IntentUnderwriting:         {"finance", "underwrite", "pro forma", "irr", "returns", "cash flow", "loan", "debt", "equity"},
	IntentLegalReview:          {"contract", "agreement", "lease", "zoning", "permit", "entitlement", "legal"},
	IntentMarketAnalysis:       {"market", "vacancy", "absorption", "rent", "submarket"},
	IntentOperationsTracking:   {"construction", "schedule", "contractor", "budget tracking", "project status"},
	IntentDispositionMarketing: {"lease up", "sale", "disposition", "offering memo", "listing"},
	IntentTaxStrategy:          {"tax", "irc", "irs", "depreciation", "1031", "basis", "recapture", "capital gains", "salt"},
	IntentRiskAssessment:       {"risk", "flood", "environmental", "insurance", "assessment"},
}

// DeriveIntent scores the input messages against the keyword table and picks
// the highest-scoring intent, defaulting to a comprehensive review.
func DeriveIntent(messages []agent.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(strings.ToLower(m.Content))
		b.WriteByte(' ')
	}
	text := b.String()

	scores := make(map[string]int)
	for intent, keywords := range intentKeywords {
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				scores[intent]++
			}
		}
	}
	if len(scores) == 0 {
		return IntentComprehensiveReview
	}
	intents := make([]string, 0, len(scores))
	for intent := range scores {
		intents = append(intents, intent)
	}
	// Deterministic tie-break on intent name.
	sort.Slice(intents, func(i, j int) bool {
		if scores[intents[i]] == scores[intents[j]] {
			return intents[i] < intents[j]
		}
		return scores[intents[i]] > scores[intents[j]]
	})
	return intents[0]
}

// MissingEvidenceForGroup formats the missing-evidence entry recorded when a
// proof group goes unsatisfied.
func MissingEvidenceForGroup(group string) string {
	return fmt.Sprintf("proof group not satisfied: %s", group)
}
