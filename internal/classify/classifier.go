package classify

import (
	"context"
	"net"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/linkgate/linkgate/internal/config"
)

// Unknown is the degraded value for any field the classifier could not
// determine. Classification never fails outright.
const Unknown = "unknown"

// Device classes.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
)

// Context is the normalized view of one visitor, immutable once
// computed. Identical raw input always yields an identical Context.
type Context struct {
	IP          string   `json:"ip"`
	UserAgent   string   `json:"user_agent"`
	DeviceClass string   `json:"device_class"`
	Browser     string   `json:"browser"`
	OS          string   `json:"os"`
	Country     string   `json:"country"`
	CountryCode string   `json:"country_code"`
	Region      string   `json:"region"`
	City        string   `json:"city"`
	ISP         string   `json:"isp"`
	ASN         string   `json:"asn"`
	GeoKnown    bool     `json:"geo_known"`
	BotScore    float64  `json:"bot_score"`
	BotReasons  []string `json:"bot_reasons,omitempty"`
}

// Classifier turns raw request context into a visitor Context.
type Classifier struct {
	cfg  config.ClassifyConfig
	sigs *signatureSet
	geo  *geoResolver
}

// New builds a classifier, loading bot signature data from the
// configured paths. Missing data files degrade to the built-in
// keyword list rather than failing startup.
func New(cfg config.ClassifyConfig) (*Classifier, error) {
	sigs, err := loadSignatures(cfg.BotSignaturesPath, cfg.IPRangesPath)
	if err != nil {
		log.WithError(err).Warn("could not load all bot signature data")
	}

	geo, err := newGeoResolver(cfg)
	if err != nil {
		return nil, err
	}

	return &Classifier{cfg: cfg, sigs: sigs, geo: geo}, nil
}

// Classify builds the visitor Context for one click. The geo lookup is
// the only I/O; it is cached, bounded by the configured timeout, and
// degrades to unknown geography on any failure.
func (c *Classifier) Classify(ctx context.Context, ip, userAgent string) Context {
	vc := Context{
		IP:          ip,
		UserAgent:   userAgent,
		Country:     Unknown,
		CountryCode: Unknown,
		Region:      Unknown,
		City:        Unknown,
		ISP:         Unknown,
		ASN:         Unknown,
	}

	vc.DeviceClass, vc.OS, vc.Browser = ParseUserAgent(userAgent)
	vc.BotScore, vc.BotReasons = c.sigs.score(ip, userAgent)

	if geo, ok := c.geo.lookup(ctx, ip); ok {
		vc.Country = geo.Country
		vc.CountryCode = geo.CountryCode
		vc.Region = geo.Region
		vc.City = geo.City
		vc.ISP = geo.ISP
		vc.ASN = geo.ASN
		vc.GeoKnown = true
	}

	return vc
}

// ClientIP extracts the visitor IP, proxy-aware. Header order matters:
// the first X-Forwarded-For hop is the original client.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if cfIP := r.Header.Get("CF-Connecting-IP"); cfIP != "" {
		return cfIP
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ParseUserAgent derives device class, OS family and browser family
// from a raw user-agent string. Unparsable input degrades to unknown.
func ParseUserAgent(ua string) (device, os, browser string) {
	if strings.TrimSpace(ua) == "" {
		return Unknown, Unknown, Unknown
	}

	uaLower := strings.ToLower(ua)

	switch {
	case strings.Contains(uaLower, "ipad"),
		strings.Contains(uaLower, "tablet"):
		device = DeviceTablet
	case strings.Contains(uaLower, "mobile"),
		strings.Contains(uaLower, "android"),
		strings.Contains(uaLower, "iphone"):
		device = DeviceMobile
	case strings.Contains(uaLower, "mozilla"),
		strings.Contains(uaLower, "windows"),
		strings.Contains(uaLower, "macintosh"),
		strings.Contains(uaLower, "x11"):
		device = DeviceDesktop
	default:
		device = Unknown
	}

	switch {
	case strings.Contains(uaLower, "windows"):
		os = "Windows"
	case strings.Contains(uaLower, "mac os") || strings.Contains(uaLower, "macos") || strings.Contains(uaLower, "macintosh"):
		os = "macOS"
	case strings.Contains(uaLower, "android"):
		os = "Android"
	case strings.Contains(uaLower, "iphone") || strings.Contains(uaLower, "ipad"):
		os = "iOS"
	case strings.Contains(uaLower, "linux"):
		os = "Linux"
	default:
		os = Unknown
	}

	switch {
	case strings.Contains(uaLower, "edg"):
		browser = "Edge"
	case strings.Contains(uaLower, "opera") || strings.Contains(uaLower, "opr"):
		browser = "Opera"
	case strings.Contains(uaLower, "chrome"):
		browser = "Chrome"
	case strings.Contains(uaLower, "firefox"):
		browser = "Firefox"
	case strings.Contains(uaLower, "safari"):
		browser = "Safari"
	default:
		browser = Unknown
	}

	return device, os, browser
}
