package policy

// StageKind identifies one evaluator in a compiled plan. The set is
// closed; the engine maps each kind onto its evaluator.
type StageKind string

const (
	StageExpiration StageKind = "expiration"
	StageBot        StageKind = "bot"
	StageRateLimit  StageKind = "rate_limit"
	StageGeo        StageKind = "geo"
	StageDevice     StageKind = "device"
	StageBrowser    StageKind = "browser"
	StageSignature  StageKind = "signature"
	StageDedupe     StageKind = "dedupe"
	StageMX         StageKind = "mx"
)

// Plan is an ordered, short-circuiting list of enabled stages for one
// policy version. Disabled stages are omitted, not run-and-ignored.
type Plan struct {
	Policy *Policy
	Stages []StageKind
}

// Compile validates the policy and orders its enabled stages cheapest
// first: pure in-memory checks, then shared-state counters, then
// filters that may need a lookup, then crypto, with the DNS-bound MX
// check last. Expiration always runs, even on an all-flags-off policy.
//
// A filter whose active-mode list is empty contributes no stage: an
// empty allow list would otherwise block every visitor.
func Compile(p *Policy) (*Plan, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	stages := []StageKind{StageExpiration}

	if p.BotBlocking {
		stages = append(stages, StageBot)
	}
	if p.RateLimiting {
		stages = append(stages, StageRateLimit)
	}
	if p.GeoTargeting {
		countries, regions, cities := p.GeoLists()
		if len(countries)+len(regions)+len(cities) > 0 {
			stages = append(stages, StageGeo)
		}
	}
	if p.DeviceFiltering && len(p.deviceList()) > 0 {
		stages = append(stages, StageDevice)
	}
	if p.BrowserFiltering && len(p.browserList()) > 0 {
		stages = append(stages, StageBrowser)
	}
	if p.DynamicSignature {
		stages = append(stages, StageSignature)
	}
	if p.BlockRepeatClick {
		stages = append(stages, StageDedupe)
	}
	if p.MXVerification {
		stages = append(stages, StageMX)
	}

	return &Plan{Policy: p, Stages: stages}, nil
}

// Has reports whether the plan contains the given stage.
func (pl *Plan) Has(kind StageKind) bool {
	for _, s := range pl.Stages {
		if s == kind {
			return true
		}
	}
	return false
}
