package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrConfigInvalid marks a policy that must not go live. It is surfaced
// to the link owner at save time, never on the click path.
var ErrConfigInvalid = errors.New("policy config invalid")

// Mode selects how a filter list is interpreted.
type Mode string

const (
	ModeAllow Mode = "allow"
	ModeBlock Mode = "block"
)

// Policy is the full per-link configuration the engine evaluates
// against. Immutable once compiled; edits produce a new version.
type Policy struct {
	LinkID       string    `json:"link_id" validate:"required"`
	CampaignName string    `json:"campaign_name"`
	TargetURL    string    `json:"target_url" validate:"required,url"`
	PreviewURL   string    `json:"preview_url" validate:"omitempty,url"`
	Domain       string    `json:"domain"`
	CreatedAt    time.Time `json:"created_at"`

	// Expiration is zero for links that never expire.
	Expiration    time.Duration `json:"expiration"`
	RedirectDelay int           `json:"redirect_delay" validate:"gte=0,lte=60"` // seconds

	BotBlocking      bool `json:"bot_blocking"`
	RateLimiting     bool `json:"rate_limiting"`
	DynamicSignature bool `json:"dynamic_signature"`
	MXVerification   bool `json:"mx_verification"`
	BlockRepeatClick bool `json:"block_repeat_clicks"`

	CaptureEmail    bool `json:"capture_email"`
	CapturePassword bool `json:"capture_password"`

	// Rate limit parameters; zero values fall back to deployment defaults.
	RateWindow time.Duration `json:"rate_window"`
	RateMax    int64         `json:"rate_max" validate:"gte=0"`

	GeoTargeting     bool     `json:"geo_targeting"`
	GeoMode          Mode     `json:"geo_mode" validate:"omitempty,oneof=allow block"`
	AllowedCountries []string `json:"allowed_countries"`
	BlockedCountries []string `json:"blocked_countries"`
	AllowedRegions   []string `json:"allowed_regions"`
	BlockedRegions   []string `json:"blocked_regions"`
	AllowedCities    []string `json:"allowed_cities"`
	BlockedCities    []string `json:"blocked_cities"`

	DeviceFiltering bool     `json:"device_filtering"`
	DeviceMode      Mode     `json:"device_mode" validate:"omitempty,oneof=allow block"`
	AllowedDevices  []string `json:"allowed_devices"`
	BlockedDevices  []string `json:"blocked_devices"`

	BrowserFiltering bool     `json:"browser_filtering"`
	BrowserMode      Mode     `json:"browser_mode" validate:"omitempty,oneof=allow block"`
	AllowedBrowsers  []string `json:"allowed_browsers"`
	BlockedBrowsers  []string `json:"blocked_browsers"`
}

var validate = validator.New()

// Validate rejects malformed or contradictory policies. A filter that is
// enabled with an empty active-mode list is not an error here; Compile
// treats it as disabled so it can never block everything by accident.
func (p *Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if p.GeoTargeting && p.GeoMode != ModeAllow && p.GeoMode != ModeBlock {
		return fmt.Errorf("%w: geo_targeting enabled without a mode", ErrConfigInvalid)
	}
	if p.DeviceFiltering && p.DeviceMode != ModeAllow && p.DeviceMode != ModeBlock {
		return fmt.Errorf("%w: device_filtering enabled without a mode", ErrConfigInvalid)
	}
	if p.BrowserFiltering && p.BrowserMode != ModeAllow && p.BrowserMode != ModeBlock {
		return fmt.Errorf("%w: browser_filtering enabled without a mode", ErrConfigInvalid)
	}
	if p.RateLimiting && (p.RateWindow < 0 || p.RateMax < 0) {
		return fmt.Errorf("%w: negative rate limit parameters", ErrConfigInvalid)
	}
	if p.Expiration < 0 {
		return fmt.Errorf("%w: negative expiration", ErrConfigInvalid)
	}
	return nil
}

// Expired reports whether the link has passed its expiration at now.
func (p *Policy) Expired(now time.Time) bool {
	if p.Expiration == 0 {
		return false
	}
	return now.Sub(p.CreatedAt) > p.Expiration
}

// CaptureEnabled reports whether the policy requires a capture step
// before the final redirect.
func (p *Policy) CaptureEnabled() bool {
	return p.CaptureEmail || p.CapturePassword
}

// GeoLists returns the effective lists for the active geo mode.
func (p *Policy) GeoLists() (countries, regions, cities []string) {
	if p.GeoMode == ModeAllow {
		return p.AllowedCountries, p.AllowedRegions, p.AllowedCities
	}
	return p.BlockedCountries, p.BlockedRegions, p.BlockedCities
}

func (p *Policy) deviceList() []string {
	if p.DeviceMode == ModeAllow {
		return p.AllowedDevices
	}
	return p.BlockedDevices
}

func (p *Policy) browserList() []string {
	if p.BrowserMode == ModeAllow {
		return p.AllowedBrowsers
	}
	return p.BlockedBrowsers
}

// ParseExpiration maps the dashboard's expiration presets onto a
// duration. Zero means the link never expires.
func ParseExpiration(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "never", "never expires":
		return 0, nil
	case "1 hour", "1hr", "1hrs":
		return time.Hour, nil
	case "1 day", "24hrs", "24h":
		return 24 * time.Hour, nil
	case "48hrs", "48h", "2 days":
		return 48 * time.Hour, nil
	case "1 week", "7 days":
		return 7 * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: unknown expiration %q", ErrConfigInvalid, s)
	}
	return d, nil
}
