package api

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/linkgate/linkgate/internal/database"
	"github.com/linkgate/linkgate/internal/policy"
)

// createLinkRequest is the link-creation payload. Expiration arrives
// as the dashboard's preset string ("Never Expires", "1 Hour", ...).
type createLinkRequest struct {
	database.Link
	LinkExpiration string `json:"link_expiration"`
}

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var req createLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	expiration, err := policy.ParseExpiration(req.LinkExpiration)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Link.Expiration = expiration

	link := req.Link
	if link.LinkID == "" {
		// CreateLink assigns one; Validate needs a placeholder.
		link.LinkID = "pending"
	}

	// A policy that does not compile must never go live.
	if _, err := policy.Compile(&link.Policy); err != nil {
		if errors.Is(err, policy.ErrConfigInvalid) {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.jsonError(w, "Could not compile policy", http.StatusInternalServerError)
		return
	}

	if link.LinkID == "pending" {
		link.LinkID = ""
	}
	if err := s.db.CreateLink(&link); err != nil {
		log.WithError(err).Error("could not create link")
		s.jsonError(w, "Could not create link", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{"link": link})
}
