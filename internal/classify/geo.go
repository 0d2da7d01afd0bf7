package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/allegro/bigcache/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/linkgate/linkgate/internal/config"
)

// geoInfo is the cached result of one IP lookup.
type geoInfo struct {
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
	Region      string `json:"region"`
	City        string `json:"city"`
	ISP         string `json:"isp"`
	ASN         string `json:"asn"`
}

// geoResolver looks up IP geography against an ip-api.com compatible
// endpoint. Results are cached; concurrent lookups for the same IP
// collapse into a single upstream request.
type geoResolver struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
	cache    *bigcache.BigCache
	group    singleflight.Group
}

func newGeoResolver(cfg config.ClassifyConfig) (*geoResolver, error) {
	cacheConfig := bigcache.DefaultConfig(cfg.GeoCacheTTL)
	cacheConfig.MaxEntrySize = 1024
	cacheConfig.HardMaxCacheSize = 32
	cache, err := bigcache.New(context.Background(), cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("geo cache: %w", err)
	}

	return &geoResolver{
		endpoint: cfg.GeoEndpoint,
		timeout:  cfg.GeoTimeout,
		client:   &http.Client{Timeout: cfg.GeoTimeout},
		cache:    cache,
	}, nil
}

// lookup returns the geography for ip, or ok=false when it cannot be
// determined. Private and malformed addresses skip the upstream call.
func (g *geoResolver) lookup(ctx context.Context, ip string) (geoInfo, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() {
		return geoInfo{}, false
	}

	if data, err := g.cache.Get(ip); err == nil {
		var info geoInfo
		if json.Unmarshal(data, &info) == nil {
			return info, true
		}
	}

	v, err, _ := g.group.Do(ip, func() (interface{}, error) {
		return g.fetch(ctx, ip)
	})
	if err != nil {
		log.WithError(err).WithField("ip", ip).Debug("geo lookup failed")
		return geoInfo{}, false
	}

	info := v.(geoInfo)
	if data, err := json.Marshal(info); err == nil {
		g.cache.Set(ip, data)
	}
	return info, true
}

func (g *geoResolver) fetch(ctx context.Context, ip string) (geoInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s?fields=status,country,countryCode,regionName,city,isp,as", g.endpoint, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return geoInfo{}, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return geoInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return geoInfo{}, fmt.Errorf("geo endpoint returned status %d", resp.StatusCode)
	}

	var result struct {
		Status      string `json:"status"`
		Country     string `json:"country"`
		CountryCode string `json:"countryCode"`
		RegionName  string `json:"regionName"`
		City        string `json:"city"`
		ISP         string `json:"isp"`
		AS          string `json:"as"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return geoInfo{}, err
	}
	if result.Status != "success" {
		return geoInfo{}, fmt.Errorf("geo lookup status %q", result.Status)
	}

	return geoInfo{
		Country:     result.Country,
		CountryCode: result.CountryCode,
		Region:      result.RegionName,
		City:        result.City,
		ISP:         result.ISP,
		ASN:         result.AS,
	}, nil
}
