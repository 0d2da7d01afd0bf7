package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/event"
	"github.com/linkgate/linkgate/internal/policy"
)

// DB wraps the database connection
type DB struct {
	conn   *sql.DB
	config config.DatabaseConfig
}

// New creates a new database connection
func New(cfg config.DatabaseConfig) (*DB, error) {
	// Ensure directory exists for SQLite
	if cfg.Driver == "sqlite3" || cfg.Driver == "sqlite" {
		dir := filepath.Dir(cfg.DSN)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	conn, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxConns)
	conn.SetMaxIdleConns(cfg.MaxConns / 2)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn, config: cfg}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Migrate runs database migrations
func (db *DB) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			api_key TEXT UNIQUE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_login_at DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS links (
			id TEXT PRIMARY KEY,
			campaign_name TEXT,
			target_url TEXT NOT NULL,
			preview_url TEXT,
			domain TEXT,
			status TEXT DEFAULT 'active',
			click_limit INTEGER DEFAULT 0,
			expiration_ns INTEGER DEFAULT 0,
			redirect_delay INTEGER DEFAULT 0,
			bot_blocking INTEGER DEFAULT 0,
			rate_limiting INTEGER DEFAULT 0,
			dynamic_signature INTEGER DEFAULT 0,
			mx_verification INTEGER DEFAULT 0,
			block_repeat_clicks INTEGER DEFAULT 0,
			capture_email INTEGER DEFAULT 0,
			capture_password INTEGER DEFAULT 0,
			rate_window_ns INTEGER DEFAULT 0,
			rate_max INTEGER DEFAULT 0,
			geo_targeting INTEGER DEFAULT 0,
			geo_mode TEXT DEFAULT '',
			geo_lists TEXT,
			device_filtering INTEGER DEFAULT 0,
			device_mode TEXT DEFAULT '',
			device_lists TEXT,
			browser_filtering INTEGER DEFAULT 0,
			browser_mode TEXT DEFAULT '',
			browser_lists TEXT,
			total_clicks INTEGER DEFAULT 0,
			blocked_clicks INTEGER DEFAULT 0,
			unique_clicks INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			link_id TEXT,
			campaign_name TEXT,
			fingerprint TEXT,
			ip TEXT,
			country TEXT,
			city TEXT,
			isp TEXT,
			device_class TEXT,
			os TEXT,
			browser TEXT,
			user_agent TEXT,
			referrer TEXT,
			bot_score REAL DEFAULT 0,
			verdict TEXT,
			reason TEXT,
			captured_email TEXT,
			processing_ms INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (link_id) REFERENCES links(id) ON DELETE SET NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_events_link ON events(link_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_fingerprint ON events(fingerprint)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// EnsureAdmin creates the bootstrap admin account when the users table
// is empty.
func (db *DB) EnsureAdmin(username, password string) error {
	var count int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(
		`INSERT INTO users (id, username, password_hash, api_key, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), username, string(hash), uuid.New().String(), time.Now(),
	)
	return err
}

// geoLists bundles the six geo list columns into one JSON blob.
type geoLists struct {
	AllowedCountries []string `json:"allowed_countries,omitempty"`
	BlockedCountries []string `json:"blocked_countries,omitempty"`
	AllowedRegions   []string `json:"allowed_regions,omitempty"`
	BlockedRegions   []string `json:"blocked_regions,omitempty"`
	AllowedCities    []string `json:"allowed_cities,omitempty"`
	BlockedCities    []string `json:"blocked_cities,omitempty"`
}

type pairLists struct {
	Allowed []string `json:"allowed,omitempty"`
	Blocked []string `json:"blocked,omitempty"`
}

// =====================
// Link Operations
// =====================

func (db *DB) CreateLink(l *Link) error {
	if l.LinkID == "" {
		l.LinkID = uuid.New().String()[:8]
	}
	if l.Status == "" {
		l.Status = StatusActive
	}
	l.CreatedAt = time.Now()
	l.UpdatedAt = l.CreatedAt

	geo, _ := json.Marshal(geoLists{
		AllowedCountries: l.AllowedCountries,
		BlockedCountries: l.BlockedCountries,
		AllowedRegions:   l.AllowedRegions,
		BlockedRegions:   l.BlockedRegions,
		AllowedCities:    l.AllowedCities,
		BlockedCities:    l.BlockedCities,
	})
	devices, _ := json.Marshal(pairLists{Allowed: l.AllowedDevices, Blocked: l.BlockedDevices})
	browsers, _ := json.Marshal(pairLists{Allowed: l.AllowedBrowsers, Blocked: l.BlockedBrowsers})

	_, err := db.conn.Exec(
		`INSERT INTO links (id, campaign_name, target_url, preview_url, domain, status,
		click_limit, expiration_ns, redirect_delay, bot_blocking, rate_limiting, dynamic_signature,
		mx_verification, block_repeat_clicks, capture_email, capture_password,
		rate_window_ns, rate_max, geo_targeting, geo_mode, geo_lists,
		device_filtering, device_mode, device_lists,
		browser_filtering, browser_mode, browser_lists,
		created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.LinkID, l.CampaignName, l.TargetURL, l.PreviewURL, l.Domain, l.Status,
		l.ClickLimit, int64(l.Expiration), l.RedirectDelay, l.BotBlocking, l.RateLimiting, l.DynamicSignature,
		l.MXVerification, l.BlockRepeatClick, l.CaptureEmail, l.CapturePassword,
		int64(l.RateWindow), l.RateMax, l.GeoTargeting, string(l.GeoMode), string(geo),
		l.DeviceFiltering, string(l.DeviceMode), string(devices),
		l.BrowserFiltering, string(l.BrowserMode), string(browsers),
		l.CreatedAt, l.UpdatedAt,
	)
	return err
}

const linkColumns = `id, campaign_name, target_url, preview_url, domain, status,
	click_limit, expiration_ns, redirect_delay, bot_blocking, rate_limiting, dynamic_signature,
	mx_verification, block_repeat_clicks, capture_email, capture_password,
	rate_window_ns, rate_max, geo_targeting, geo_mode, geo_lists,
	device_filtering, device_mode, device_lists,
	browser_filtering, browser_mode, browser_lists,
	total_clicks, blocked_clicks, unique_clicks, created_at, updated_at`

func (db *DB) scanLink(row interface{ Scan(...interface{}) error }) (*Link, error) {
	var l Link
	var expirationNS, rateWindowNS int64
	var geoMode, deviceMode, browserMode string
	var geoJSON, deviceJSON, browserJSON sql.NullString

	err := row.Scan(
		&l.LinkID, &l.CampaignName, &l.TargetURL, &l.PreviewURL, &l.Domain, &l.Status,
		&l.ClickLimit, &expirationNS, &l.RedirectDelay, &l.BotBlocking, &l.RateLimiting, &l.DynamicSignature,
		&l.MXVerification, &l.BlockRepeatClick, &l.CaptureEmail, &l.CapturePassword,
		&rateWindowNS, &l.RateMax, &l.GeoTargeting, &geoMode, &geoJSON,
		&l.DeviceFiltering, &deviceMode, &deviceJSON,
		&l.BrowserFiltering, &browserMode, &browserJSON,
		&l.TotalClicks, &l.BlockedClicks, &l.UniqueClicks, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	l.Expiration = time.Duration(expirationNS)
	l.RateWindow = time.Duration(rateWindowNS)
	l.GeoMode = policy.Mode(geoMode)
	l.DeviceMode = policy.Mode(deviceMode)
	l.BrowserMode = policy.Mode(browserMode)

	if geoJSON.Valid {
		var g geoLists
		if json.Unmarshal([]byte(geoJSON.String), &g) == nil {
			l.AllowedCountries = g.AllowedCountries
			l.BlockedCountries = g.BlockedCountries
			l.AllowedRegions = g.AllowedRegions
			l.BlockedRegions = g.BlockedRegions
			l.AllowedCities = g.AllowedCities
			l.BlockedCities = g.BlockedCities
		}
	}
	if deviceJSON.Valid {
		var p pairLists
		if json.Unmarshal([]byte(deviceJSON.String), &p) == nil {
			l.AllowedDevices = p.Allowed
			l.BlockedDevices = p.Blocked
		}
	}
	if browserJSON.Valid {
		var p pairLists
		if json.Unmarshal([]byte(browserJSON.String), &p) == nil {
			l.AllowedBrowsers = p.Allowed
			l.BlockedBrowsers = p.Blocked
		}
	}

	return &l, nil
}

func (db *DB) GetLink(id string) (*Link, error) {
	row := db.conn.QueryRow(`SELECT `+linkColumns+` FROM links WHERE id = ?`, id)
	return db.scanLink(row)
}

func (db *DB) ListLinks() ([]*Link, error) {
	rows, err := db.conn.Query(`SELECT ` + linkColumns + ` FROM links ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*Link
	for rows.Next() {
		l, err := db.scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (db *DB) UpdateLinkStatus(id, status string) error {
	_, err := db.conn.Exec(
		`UPDATE links SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id,
	)
	return err
}

func (db *DB) DeleteLink(id string) error {
	_, err := db.conn.Exec("DELETE FROM links WHERE id = ?", id)
	return err
}

// =====================
// Event Operations
// =====================

// Write stores one audit event and bumps the link's cached counters.
// Implements event.Sink.
func (db *DB) Write(ctx context.Context, e *event.Event) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO events (id, link_id, campaign_name, fingerprint, ip, country, city,
		isp, device_class, os, browser, user_agent, referrer, bot_score, verdict, reason,
		captured_email, processing_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.LinkID, e.CampaignName, e.Fingerprint, e.IP, e.Country, e.City,
		e.ISP, e.DeviceClass, e.OS, e.Browser, e.UserAgent, e.Referrer, e.BotScore,
		e.Verdict, e.Reason, e.CapturedEmail, e.ProcessingMs, e.Time,
	)
	if err != nil {
		return err
	}

	blocked := 0
	if e.Verdict == "BLOCK" {
		blocked = 1
	}
	_, err = db.conn.ExecContext(ctx,
		`UPDATE links SET total_clicks = total_clicks + 1,
		blocked_clicks = blocked_clicks + ?,
		unique_clicks = (SELECT COUNT(DISTINCT fingerprint) FROM events WHERE link_id = ?)
		WHERE id = ?`,
		blocked, e.LinkID, e.LinkID,
	)
	return err
}

// RecentEvents returns the newest audit events for the live feed,
// optionally filtered by link.
func (db *DB) RecentEvents(linkID string, limit int) ([]*event.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT id, link_id, campaign_name, fingerprint, ip, country, city, isp,
		device_class, os, browser, user_agent, referrer, bot_score, verdict, reason,
		captured_email, processing_ms, created_at FROM events`
	args := []interface{}{}
	if linkID != "" {
		query += " WHERE link_id = ?"
		args = append(args, linkID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		var e event.Event
		err := rows.Scan(
			&e.ID, &e.LinkID, &e.CampaignName, &e.Fingerprint, &e.IP, &e.Country, &e.City,
			&e.ISP, &e.DeviceClass, &e.OS, &e.Browser, &e.UserAgent, &e.Referrer, &e.BotScore,
			&e.Verdict, &e.Reason, &e.CapturedEmail, &e.ProcessingMs, &e.Time,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// GetLinkStats returns the cached aggregates for one link.
func (db *DB) GetLinkStats(linkID string) (*LinkStats, error) {
	var s LinkStats
	s.LinkID = linkID
	err := db.conn.QueryRow(
		`SELECT total_clicks, blocked_clicks, unique_clicks FROM links WHERE id = ?`, linkID,
	).Scan(&s.TotalClicks, &s.BlockedClicks, &s.UniqueClicks)
	if err != nil {
		return nil, err
	}
	if s.TotalClicks > 0 {
		s.BlockedShare = float64(s.BlockedClicks) / float64(s.TotalClicks)
	}
	return &s, nil
}

// =====================
// User Operations
// =====================

func (db *DB) GetUserByUsername(username string) (*User, error) {
	var u User
	var lastLogin sql.NullTime
	err := db.conn.QueryRow(
		`SELECT id, username, password_hash, api_key, created_at, last_login_at
		FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.APIKey, &u.CreatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		u.LastLoginAt = lastLogin.Time
	}
	return &u, nil
}

func (db *DB) GetUserByAPIKey(apiKey string) (*User, error) {
	var u User
	var lastLogin sql.NullTime
	err := db.conn.QueryRow(
		`SELECT id, username, password_hash, api_key, created_at, last_login_at
		FROM users WHERE api_key = ?`, apiKey,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.APIKey, &u.CreatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		u.LastLoginAt = lastLogin.Time
	}
	return &u, nil
}

func (db *DB) TouchLastLogin(userID string) error {
	_, err := db.conn.Exec(`UPDATE users SET last_login_at = ? WHERE id = ?`, time.Now(), userID)
	return err
}
