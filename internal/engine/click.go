package engine

import (
	"time"

	"github.com/linkgate/linkgate/internal/classify"
	"github.com/linkgate/linkgate/internal/policy"
)

// Click is one visitor hit under evaluation: the raw click event, the
// derived visitor context and the compiled plan it runs against.
// Stages read it, never mutate it.
type Click struct {
	LinkID    string
	Time      time.Time
	IP        string
	UserAgent string
	Referrer  string

	// Signed token attached to dynamic-signature link variants.
	SignatureToken string

	// Credentials from a capture form submitted on a prior step.
	CapturedEmail    string
	CapturedPassword string

	// FollowUp marks the continuation request of a click that already
	// went through the capture or delay step. Its hit was counted on
	// the initial evaluation; stateful stages must not count it again.
	FollowUp bool

	// DelayServed is set once the delay page has been shown.
	DelayServed bool

	Visitor     classify.Context
	Fingerprint string
	Plan        *policy.Plan
}

// Verdict is the engine's final instruction to the redirect handler.
type Verdict string

const (
	VerdictAllow   Verdict = "ALLOW_REDIRECT"
	VerdictCapture Verdict = "CAPTURE_THEN_REDIRECT"
	VerdictDelay   Verdict = "DELAY_THEN_REDIRECT"
	VerdictBlock   Verdict = "BLOCK"
)

// Reason names the stage outcome that blocked a click.
type Reason string

const (
	ReasonLinkExpired        Reason = "link_expired"
	ReasonBotDetected        Reason = "bot_detected"
	ReasonRateLimitExceeded  Reason = "rate_limit_exceeded"
	ReasonGeoBlocked         Reason = "geo_blocked"
	ReasonDeviceBlocked      Reason = "device_blocked"
	ReasonBrowserBlocked     Reason = "browser_blocked"
	ReasonSignatureInvalid   Reason = "signature_invalid"
	ReasonDuplicateClick     Reason = "duplicate_click"
	ReasonInvalidEmailDomain Reason = "invalid_email_domain"
)

// Decision is the completed evaluation result. The caller always gets
// one; lookup failures resolve inside the pipeline, never propagate.
type Decision struct {
	Verdict      Verdict       `json:"verdict"`
	Reason       Reason        `json:"reason,omitempty"`
	RedirectURL  string        `json:"redirect_url,omitempty"`
	DelaySeconds int           `json:"delay_seconds,omitempty"`
	Fingerprint  string        `json:"fingerprint"`
	Trail        []StageResult `json:"trail"`
}

// StageResult is one entry of the decision's audit trail.
type StageResult struct {
	Kind    policy.StageKind `json:"kind"`
	Outcome string           `json:"outcome"`
	Reason  Reason           `json:"reason,omitempty"`
}
