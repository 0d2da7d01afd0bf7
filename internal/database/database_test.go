package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/event"
	"github.com/linkgate/linkgate/internal/policy"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(config.DatabaseConfig{
		Driver:   "sqlite3",
		DSN:      filepath.Join(t.TempDir(), "linkgate.db"),
		MaxConns: 4,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func sampleLink() *Link {
	return &Link{
		ClickLimit: 100,
		Policy: policy.Policy{
			CampaignName:     "spring-promo",
			TargetURL:        "https://example.com/landing",
			PreviewURL:       "https://preview.example.com",
			Domain:           "go.example.com",
			Expiration:       24 * time.Hour,
			RedirectDelay:    3,
			BotBlocking:      true,
			RateLimiting:     true,
			RateWindow:       time.Minute,
			RateMax:          5,
			GeoTargeting:     true,
			GeoMode:          policy.ModeAllow,
			AllowedCountries: []string{"US", "GB"},
			AllowedRegions:   []string{"California"},
			DeviceFiltering:  true,
			DeviceMode:       policy.ModeBlock,
			BlockedDevices:   []string{"tablet"},
			BrowserFiltering: true,
			BrowserMode:      policy.ModeAllow,
			AllowedBrowsers:  []string{"Chrome", "Firefox"},
			CaptureEmail:     true,
		},
	}
}

func sampleEvent(linkID, fingerprint, verdict string) *event.Event {
	return &event.Event{
		ID:          "ev-" + fingerprint + "-" + verdict,
		Time:        time.Now(),
		LinkID:      linkID,
		Fingerprint: fingerprint,
		IP:          "203.0.113.7",
		Country:     "United States",
		DeviceClass: "desktop",
		Browser:     "Chrome",
		Verdict:     verdict,
	}
}

func TestCreateAndGetLink(t *testing.T) {
	db := newTestDB(t)

	l := sampleLink()
	if err := db.CreateLink(l); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if l.LinkID == "" {
		t.Fatal("CreateLink did not assign an ID")
	}
	if l.Status != StatusActive {
		t.Errorf("status = %s, want active", l.Status)
	}

	got, err := db.GetLink(l.LinkID)
	if err != nil {
		t.Fatalf("GetLink: %v", err)
	}

	if got.TargetURL != l.TargetURL || got.PreviewURL != l.PreviewURL {
		t.Errorf("urls: %s / %s", got.TargetURL, got.PreviewURL)
	}
	if got.Expiration != 24*time.Hour || got.RateWindow != time.Minute || got.RateMax != 5 {
		t.Errorf("durations: exp=%v window=%v max=%d", got.Expiration, got.RateWindow, got.RateMax)
	}
	if got.ClickLimit != 100 {
		t.Errorf("click limit = %d, want 100", got.ClickLimit)
	}
	if !got.BotBlocking || !got.RateLimiting || !got.CaptureEmail {
		t.Errorf("flags lost: %+v", got.Policy)
	}
	if got.GeoMode != policy.ModeAllow || len(got.AllowedCountries) != 2 || got.AllowedCountries[0] != "US" {
		t.Errorf("geo lists lost: mode=%s countries=%v", got.GeoMode, got.AllowedCountries)
	}
	if got.DeviceMode != policy.ModeBlock || len(got.BlockedDevices) != 1 {
		t.Errorf("device lists lost: mode=%s blocked=%v", got.DeviceMode, got.BlockedDevices)
	}
	if len(got.AllowedBrowsers) != 2 {
		t.Errorf("browser lists lost: %v", got.AllowedBrowsers)
	}
}

func TestGetLinkNotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.GetLink("missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestListLinksNewestFirst(t *testing.T) {
	db := newTestDB(t)

	a := sampleLink()
	a.LinkID = "first"
	if err := db.CreateLink(a); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	b := sampleLink()
	b.LinkID = "second"
	if err := db.CreateLink(b); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	links, err := db.ListLinks()
	if err != nil {
		t.Fatalf("ListLinks: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("got %d links, want 2", len(links))
	}
}

func TestUpdateLinkStatus(t *testing.T) {
	db := newTestDB(t)

	l := sampleLink()
	if err := db.CreateLink(l); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if err := db.UpdateLinkStatus(l.LinkID, StatusPaused); err != nil {
		t.Fatalf("UpdateLinkStatus: %v", err)
	}

	got, err := db.GetLink(l.LinkID)
	if err != nil {
		t.Fatalf("GetLink: %v", err)
	}
	if got.Status != StatusPaused {
		t.Errorf("status = %s, want paused", got.Status)
	}
}

func TestDeleteLink(t *testing.T) {
	db := newTestDB(t)

	l := sampleLink()
	if err := db.CreateLink(l); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if err := db.DeleteLink(l.LinkID); err != nil {
		t.Fatalf("DeleteLink: %v", err)
	}
	if _, err := db.GetLink(l.LinkID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("link still present after delete: %v", err)
	}
}

func TestWriteEventUpdatesCounters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	l := sampleLink()
	if err := db.CreateLink(l); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	// Two hits from one visitor, one blocked hit from another.
	for _, e := range []*event.Event{
		sampleEvent(l.LinkID, "fp-1", "ALLOW_REDIRECT"),
		sampleEvent(l.LinkID, "fp-1", "BLOCK"),
		sampleEvent(l.LinkID, "fp-2", "BLOCK"),
	} {
		if err := db.Write(ctx, e); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	stats, err := db.GetLinkStats(l.LinkID)
	if err != nil {
		t.Fatalf("GetLinkStats: %v", err)
	}
	if stats.TotalClicks != 3 {
		t.Errorf("total = %d, want 3", stats.TotalClicks)
	}
	if stats.BlockedClicks != 2 {
		t.Errorf("blocked = %d, want 2", stats.BlockedClicks)
	}
	if stats.UniqueClicks != 2 {
		t.Errorf("unique = %d, want 2", stats.UniqueClicks)
	}
	if stats.BlockedShare < 0.66 || stats.BlockedShare > 0.67 {
		t.Errorf("blocked share = %f, want 2/3", stats.BlockedShare)
	}
}

func TestRecentEvents(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	l := sampleLink()
	if err := db.CreateLink(l); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	other := sampleLink()
	other.LinkID = "other"
	if err := db.CreateLink(other); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	if err := db.Write(ctx, sampleEvent(l.LinkID, "fp-1", "ALLOW_REDIRECT")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := db.Write(ctx, sampleEvent(other.LinkID, "fp-2", "BLOCK")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	all, err := db.RecentEvents("", 50)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d events, want 2", len(all))
	}

	filtered, err := db.RecentEvents(l.LinkID, 50)
	if err != nil {
		t.Fatalf("RecentEvents filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].LinkID != l.LinkID {
		t.Fatalf("filtered events: %+v", filtered)
	}
}

func TestEnsureAdminAndUserLookups(t *testing.T) {
	db := newTestDB(t)

	if err := db.EnsureAdmin("admin", "s3cret"); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	// Second run is a no-op on a populated table.
	if err := db.EnsureAdmin("another", "pw"); err != nil {
		t.Fatalf("EnsureAdmin rerun: %v", err)
	}

	u, err := db.GetUserByUsername("admin")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("s3cret")); err != nil {
		t.Errorf("stored hash does not match password: %v", err)
	}
	if u.APIKey == "" {
		t.Fatal("admin has no API key")
	}

	if _, err := db.GetUserByUsername("another"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("rerun created a user: %v", err)
	}

	byKey, err := db.GetUserByAPIKey(u.APIKey)
	if err != nil {
		t.Fatalf("GetUserByAPIKey: %v", err)
	}
	if byKey.ID != u.ID {
		t.Errorf("lookup mismatch: %s vs %s", byKey.ID, u.ID)
	}

	if err := db.TouchLastLogin(u.ID); err != nil {
		t.Fatalf("TouchLastLogin: %v", err)
	}
	again, err := db.GetUserByUsername("admin")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if again.LastLoginAt.IsZero() {
		t.Error("last login not recorded")
	}
}
