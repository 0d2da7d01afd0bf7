package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/linkgate/linkgate/internal/classify"
	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/database"
	"github.com/linkgate/linkgate/internal/engine"
	"github.com/linkgate/linkgate/internal/event"
	"github.com/linkgate/linkgate/internal/policy"
	"github.com/linkgate/linkgate/internal/signature"
)

// Server exposes the click path and the policy/event API.
type Server struct {
	cfg        *config.Config
	db         *database.DB
	classifier *classify.Classifier
	engine     *engine.Engine
	signer     *signature.Signer
	emitter    *event.Emitter
	server     *http.Server
	jwtSecret  []byte

	// Compiled plans keyed by link ID, versioned by the link's
	// updated_at so edits recompile and unchanged links don't.
	plans sync.Map
}

type cachedPlan struct {
	version time.Time
	plan    *policy.Plan
}

// compiledPlan returns the plan for the link's current version,
// compiling at most once per version.
func (s *Server) compiledPlan(link *database.Link) (*policy.Plan, error) {
	if v, ok := s.plans.Load(link.LinkID); ok {
		c := v.(cachedPlan)
		if c.version.Equal(link.UpdatedAt) {
			return c.plan, nil
		}
	}

	plan, err := policy.Compile(&link.Policy)
	if err != nil {
		return nil, err
	}
	s.plans.Store(link.LinkID, cachedPlan{version: link.UpdatedAt, plan: plan})
	return plan, nil
}

func New(cfg *config.Config, db *database.DB, classifier *classify.Classifier,
	eng *engine.Engine, signer *signature.Signer, emitter *event.Emitter) *Server {
	return &Server{
		cfg:        cfg,
		db:         db,
		classifier: classifier,
		engine:     eng,
		signer:     signer,
		emitter:    emitter,
		jwtSecret:  []byte(cfg.Auth.JWTSecret),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	// Visitor-facing click path
	mux.HandleFunc("/t/", s.handleClickPath)

	// Policy / event API
	mux.HandleFunc("/api/v1/login", s.handleLogin)
	mux.HandleFunc("/api/v1/links", s.authMiddleware(s.handleLinks))
	mux.HandleFunc("/api/v1/links/", s.authMiddleware(s.handleLink))
	mux.HandleFunc("/api/v1/events", s.authMiddleware(s.handleEvents))

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Middleware

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			if user, err := s.db.GetUserByAPIKey(apiKey); err == nil {
				r.Header.Set("X-User-ID", user.ID)
				next(w, r)
				return
			}
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.jsonError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			s.jsonError(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			s.jsonError(w, "Invalid token claims", http.StatusUnauthorized)
			return
		}
		if userID, ok := claims["user_id"].(string); ok {
			r.Header.Set("X-User-ID", userID)
		}

		next(w, r)
	}
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]interface{}{
		"status":         "ok",
		"events_dropped": s.emitter.Dropped(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	user, err := s.db.GetUserByUsername(req.Username)
	if err != nil {
		s.jsonError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		s.jsonError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": user.ID,
		"exp":     time.Now().Add(s.cfg.Auth.TokenExpiry).Unix(),
	})
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		s.jsonError(w, "Could not create token", http.StatusInternalServerError)
		return
	}

	if err := s.db.TouchLastLogin(user.ID); err != nil {
		log.WithError(err).Warn("could not update last login")
	}

	s.jsonResponse(w, map[string]interface{}{
		"token":   tokenString,
		"api_key": user.APIKey,
	})
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		links, err := s.db.ListLinks()
		if err != nil {
			s.jsonError(w, "Could not list links", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]interface{}{"links": links})

	case http.MethodPost:
		s.handleCreateLink(w, r)

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/links/")
	parts := strings.SplitN(rest, "/", 2)
	linkID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	link, err := s.db.GetLink(linkID)
	if err != nil {
		s.jsonError(w, "Link not found", http.StatusNotFound)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.jsonResponse(w, link)

	case action == "" && r.Method == http.MethodDelete:
		if err := s.db.DeleteLink(linkID); err != nil {
			s.jsonError(w, "Could not delete link", http.StatusInternalServerError)
			return
		}
		s.plans.Delete(linkID)
		s.jsonResponse(w, map[string]string{"status": "deleted"})

	case action == "status" && r.Method == http.MethodPut:
		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
			(req.Status != database.StatusActive && req.Status != database.StatusPaused) {
			s.jsonError(w, "Invalid status", http.StatusBadRequest)
			return
		}
		if err := s.db.UpdateLinkStatus(linkID, req.Status); err != nil {
			s.jsonError(w, "Could not update status", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]string{"status": req.Status})

	case action == "stats" && r.Method == http.MethodGet:
		stats, err := s.db.GetLinkStats(linkID)
		if err != nil {
			s.jsonError(w, "Could not load stats", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, stats)

	case action == "signed" && r.Method == http.MethodGet:
		if !link.DynamicSignature {
			s.jsonError(w, "Link has no dynamic signature", http.StatusBadRequest)
			return
		}
		token, err := s.signer.Issue(link.LinkID)
		if err != nil {
			s.jsonError(w, "Could not issue token", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]string{
			"url": fmt.Sprintf("https://%s/t/%s?sig=%s", link.Domain, link.LinkID, token),
		})

	default:
		s.jsonError(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}

	events, err := s.db.RecentEvents(r.URL.Query().Get("link_id"), limit)
	if err != nil {
		s.jsonError(w, "Could not list events", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]interface{}{"events": events})
}

// Helpers

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
