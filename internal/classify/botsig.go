package classify

import (
	"encoding/json"
	"net"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// signatureSet holds the loaded bot-detection data: known crawler IPs,
// datacenter CIDR ranges and user-agent keyword patterns.
type signatureSet struct {
	botIPs          map[string]bool
	datacenterCIDRs []*net.IPNet
	uaPatterns      []string
}

// Built-in UA keywords used when no signature file is available.
var defaultUAPatterns = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget", "python",
	"java", "go-http", "httpie", "postman", "insomnia", "axios",
	"node-fetch", "php", "ruby", "perl", "libwww", "apache-httpclient",
	"okhttp", "headless", "phantom", "selenium", "puppeteer", "playwright",
	"facebookexternalhit", "facebot", "bytespider", "bytedance",
	"googlebot", "bingbot", "yandex", "baidu", "duckduck",
	"slurp", "ia_archiver", "mediapartners", "adsbot",
}

func loadSignatures(sigPath, ipPath string) (*signatureSet, error) {
	s := &signatureSet{
		botIPs:     make(map[string]bool),
		uaPatterns: defaultUAPatterns,
	}

	var firstErr error

	if data, err := os.ReadFile(ipPath); err == nil {
		var ranges struct {
			Crawlers    []string `json:"crawlers"`
			Datacenters []string `json:"datacenters"`
		}
		if err := json.Unmarshal(data, &ranges); err == nil {
			for _, ip := range ranges.Crawlers {
				s.botIPs[ip] = true
				if _, cidr, err := net.ParseCIDR(ip); err == nil {
					s.datacenterCIDRs = append(s.datacenterCIDRs, cidr)
				}
			}
			for _, ip := range ranges.Datacenters {
				if _, cidr, err := net.ParseCIDR(ip); err == nil {
					s.datacenterCIDRs = append(s.datacenterCIDRs, cidr)
				}
			}
		} else {
			firstErr = err
		}
	} else {
		firstErr = err
	}

	if data, err := os.ReadFile(sigPath); err == nil {
		var sigs struct {
			UserAgents []string `json:"user_agents"`
		}
		if err := json.Unmarshal(data, &sigs); err == nil && len(sigs.UserAgents) > 0 {
			s.uaPatterns = append(s.uaPatterns, sigs.UserAgents...)
		}
	} else if firstErr == nil {
		firstErr = err
	}

	log.WithFields(log.Fields{
		"bot_ips":     len(s.botIPs),
		"cidrs":       len(s.datacenterCIDRs),
		"ua_patterns": len(s.uaPatterns),
	}).Debug("bot signature data loaded")

	return s, firstErr
}

// score rates bot likelihood from 0 (human) to 1 (bot) with the
// reasons that contributed.
func (s *signatureSet) score(ip, ua string) (float64, []string) {
	var score float64
	var reasons []string

	if s.botIPs[ip] {
		score = 1.0
		reasons = append(reasons, "known crawler IP")
	} else if parsed := net.ParseIP(ip); parsed != nil {
		for _, cidr := range s.datacenterCIDRs {
			if cidr.Contains(parsed) {
				score = 0.9
				reasons = append(reasons, "datacenter IP range")
				break
			}
		}
	}

	uaScore, uaReason := s.scoreUserAgent(ua)
	if uaScore > score {
		score = uaScore
	}
	if uaReason != "" {
		reasons = append(reasons, uaReason)
	}

	return score, reasons
}

func (s *signatureSet) scoreUserAgent(ua string) (float64, string) {
	if ua == "" {
		return 0.8, "empty user-agent"
	}

	uaLower := strings.ToLower(ua)
	for _, keyword := range s.uaPatterns {
		if strings.Contains(uaLower, keyword) {
			return 0.95, "bot user-agent signature"
		}
	}

	hasBrowserSignature := strings.Contains(uaLower, "mozilla") ||
		strings.Contains(uaLower, "chrome") ||
		strings.Contains(uaLower, "safari") ||
		strings.Contains(uaLower, "firefox") ||
		strings.Contains(uaLower, "edge")
	if !hasBrowserSignature {
		return 0.5, "non-browser user-agent"
	}

	if len(ua) < 20 {
		return 0.3, "suspiciously short user-agent"
	}

	return 0, ""
}
