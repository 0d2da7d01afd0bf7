package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/linkgate/linkgate/internal/policy"
	"github.com/linkgate/linkgate/internal/signature"
	"github.com/linkgate/linkgate/internal/state"
)

// outcome of a single stage evaluation.
type outcome int

const (
	outcomePass outcome = iota
	outcomeBlock
	outcomeNeedsCapture
)

func (o outcome) String() string {
	switch o {
	case outcomeBlock:
		return "block"
	case outcomeNeedsCapture:
		return "needs_capture"
	default:
		return "pass"
	}
}

type stageVerdict struct {
	outcome outcome
	reason  Reason
}

func pass() stageVerdict               { return stageVerdict{outcome: outcomePass} }
func block(reason Reason) stageVerdict { return stageVerdict{outcome: outcomeBlock, reason: reason} }

// stage is one evaluator in the pipeline. Stages are side-effect-free
// apart from their own shared-state bookkeeping and must not mutate
// the click or visitor context.
type stage interface {
	kind() policy.StageKind
	evaluate(ctx context.Context, c *Click) stageVerdict
}

// expirationStage runs unconditionally on every click.
type expirationStage struct{}

func (expirationStage) kind() policy.StageKind { return policy.StageExpiration }

func (expirationStage) evaluate(_ context.Context, c *Click) stageVerdict {
	if c.Plan.Policy.Expired(c.Time) {
		return block(ReasonLinkExpired)
	}
	return pass()
}

// botStage blocks clicks whose classifier bot score crosses the
// deployment threshold.
type botStage struct {
	threshold float64
}

func (botStage) kind() policy.StageKind { return policy.StageBot }

func (s botStage) evaluate(_ context.Context, c *Click) stageVerdict {
	if c.Visitor.BotScore >= s.threshold {
		return block(ReasonBotDetected)
	}
	return pass()
}

// rateLimitStage counts hits per fingerprint in a fixed window. The
// increment and the read are one atomic operation so simultaneous
// clicks with the same fingerprint never slip past the limit.
type rateLimitStage struct {
	store         state.Store
	defaultWindow time.Duration
	defaultMax    int64
}

func (rateLimitStage) kind() policy.StageKind { return policy.StageRateLimit }

func (s rateLimitStage) evaluate(ctx context.Context, c *Click) stageVerdict {
	if c.FollowUp {
		// The initial evaluation already counted this click.
		return pass()
	}

	window := c.Plan.Policy.RateWindow
	if window <= 0 {
		window = s.defaultWindow
	}
	max := c.Plan.Policy.RateMax
	if max <= 0 {
		max = s.defaultMax
	}

	count, err := s.store.Incr(ctx, "rl:"+c.Fingerprint, window)
	if err != nil {
		log.WithError(err).WithField("link", c.LinkID).Warn("rate limit store unavailable")
		return pass()
	}
	if count > max {
		return block(ReasonRateLimitExceeded)
	}
	return pass()
}

// geoStage applies the policy's allow or block lists to the visitor's
// inferred geography. Unknown geography resolves per the deployment's
// lookup fallback.
type geoStage struct {
	failClosed bool
}

func (geoStage) kind() policy.StageKind { return policy.StageGeo }

func (s geoStage) evaluate(_ context.Context, c *Click) stageVerdict {
	if !c.Visitor.GeoKnown {
		if s.failClosed {
			return block(ReasonGeoBlocked)
		}
		return pass()
	}

	p := c.Plan.Policy
	countries, regions, cities := p.GeoLists()
	matched := containsFold(countries, c.Visitor.Country) ||
		containsFold(countries, c.Visitor.CountryCode) ||
		containsFold(regions, c.Visitor.Region) ||
		containsFold(cities, c.Visitor.City)

	if p.GeoMode == policy.ModeAllow && !matched {
		return block(ReasonGeoBlocked)
	}
	if p.GeoMode == policy.ModeBlock && matched {
		return block(ReasonGeoBlocked)
	}
	return pass()
}

type deviceStage struct{}

func (deviceStage) kind() policy.StageKind { return policy.StageDevice }

func (deviceStage) evaluate(_ context.Context, c *Click) stageVerdict {
	p := c.Plan.Policy
	if blockedByList(p.DeviceMode, p.AllowedDevices, p.BlockedDevices, c.Visitor.DeviceClass) {
		return block(ReasonDeviceBlocked)
	}
	return pass()
}

type browserStage struct{}

func (browserStage) kind() policy.StageKind { return policy.StageBrowser }

func (browserStage) evaluate(_ context.Context, c *Click) stageVerdict {
	p := c.Plan.Policy
	if blockedByList(p.BrowserMode, p.AllowedBrowsers, p.BlockedBrowsers, c.Visitor.Browser) {
		return block(ReasonBrowserBlocked)
	}
	return pass()
}

// signatureStage validates the signed per-click token.
type signatureStage struct {
	signer *signature.Signer
}

func (signatureStage) kind() policy.StageKind { return policy.StageSignature }

func (s signatureStage) evaluate(_ context.Context, c *Click) stageVerdict {
	if c.SignatureToken == "" {
		return block(ReasonSignatureInvalid)
	}
	if err := s.signer.Verify(c.SignatureToken, c.LinkID); err != nil {
		return block(ReasonSignatureInvalid)
	}
	return pass()
}

// dedupeStage tracks whether this fingerprint was already counted as a
// unique visitor for the link. Distinct from the rate limiter: one is
// "hits within a window", this is "ever seen before".
type dedupeStage struct {
	store   state.Store
	horizon time.Duration
}

func (dedupeStage) kind() policy.StageKind { return policy.StageDedupe }

func (s dedupeStage) evaluate(ctx context.Context, c *Click) stageVerdict {
	if c.FollowUp {
		return pass()
	}

	seen, err := s.store.SeenOnce(ctx, "dd:"+c.Fingerprint, s.horizon)
	if err != nil {
		log.WithError(err).WithField("link", c.LinkID).Warn("dedupe store unavailable")
		return pass()
	}
	if seen {
		return block(ReasonDuplicateClick)
	}
	return pass()
}

// MXResolver resolves mail-exchanger records. *net.Resolver satisfies
// it; tests substitute a fake.
type MXResolver interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
}

// mxStage verifies the captured email's domain has a resolvable mail
// exchanger. It only has work to do once a capture produced an email;
// before that it passes.
type mxStage struct {
	resolver   MXResolver
	timeout    time.Duration
	failClosed bool
}

func (mxStage) kind() policy.StageKind { return policy.StageMX }

func (s mxStage) evaluate(ctx context.Context, c *Click) stageVerdict {
	email := c.CapturedEmail
	if email == "" {
		if c.Plan.Policy.CaptureEmail {
			return stageVerdict{outcome: outcomeNeedsCapture}
		}
		return pass()
	}

	at := strings.LastIndex(email, "@")
	if at < 1 || at == len(email)-1 {
		return block(ReasonInvalidEmailDomain)
	}
	domain := email[at+1:]

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	records, err := s.resolver.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return block(ReasonInvalidEmailDomain)
		}
		// Timeout or transient failure: resolve per fallback policy.
		log.WithError(err).WithField("domain", domain).Debug("mx lookup degraded")
		if s.failClosed {
			return block(ReasonInvalidEmailDomain)
		}
		return pass()
	}
	if len(records) == 0 {
		return block(ReasonInvalidEmailDomain)
	}
	return pass()
}

func containsFold(list []string, value string) bool {
	if value == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), value) {
			return true
		}
	}
	return false
}

func blockedByList(mode policy.Mode, allowed, blocked []string, value string) bool {
	if mode == policy.ModeAllow {
		return !containsFold(allowed, value)
	}
	return containsFold(blocked, value)
}
