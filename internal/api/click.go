package api

import (
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/linkgate/linkgate/internal/classify"
	"github.com/linkgate/linkgate/internal/database"
	"github.com/linkgate/linkgate/internal/engine"
	"github.com/linkgate/linkgate/internal/event"
	"github.com/linkgate/linkgate/internal/fingerprint"
)

// handleClickPath routes /t/{id} and /t/{id}/capture.
func (s *Server) handleClickPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/t/")
	parts := strings.SplitN(rest, "/", 2)
	linkID := parts[0]
	if linkID == "" {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 2 && parts[1] == "capture" && r.Method == http.MethodPost {
		s.handleCapture(w, r, linkID)
		return
	}
	if len(parts) == 1 && r.Method == http.MethodGet {
		s.handleClick(w, r, linkID)
		return
	}
	http.NotFound(w, r)
}

// handleClick evaluates one visitor hit and turns the decision into a
// response: redirect, capture form, delay page or block page.
func (s *Server) handleClick(w http.ResponseWriter, r *http.Request, linkID string) {
	q := r.URL.Query()
	s.evaluate(w, r, linkID, clickParams{
		signatureToken: q.Get("sig"),
		continuation:   q.Get("ct"),
		followUp:       q.Get("fu") == "1",
		delayServed:    q.Get("d") == "1",
	})
}

// handleCapture re-evaluates the click with the submitted credentials;
// the MX stage gets its input here.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request, linkID string) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	s.evaluate(w, r, linkID, clickParams{
		signatureToken: r.FormValue("sig"),
		continuation:   r.FormValue("ct"),
		capturedEmail:  strings.TrimSpace(r.FormValue("email")),
		capturedPass:   r.FormValue("password"),
		followUp:       true,
		delayServed:    r.FormValue("d") == "1",
	})
}

type clickParams struct {
	signatureToken string
	continuation   string
	capturedEmail  string
	capturedPass   string
	followUp       bool
	delayServed    bool
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request, linkID string, params clickParams) {
	start := time.Now()

	// A continuation claim is only honored when it carries the token
	// issued with the capture form or delay page. Without one the
	// request is a fresh click and gets counted like any other.
	if params.followUp || params.delayServed {
		if s.signer.VerifyContinuation(params.continuation, linkID) != nil {
			params.followUp = false
			params.delayServed = false
		}
	}

	link, err := s.db.GetLink(linkID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if link.Status != database.StatusActive {
		s.serveBlockPage(w)
		return
	}
	if link.ClickLimit > 0 && link.TotalClicks >= link.ClickLimit {
		if err := s.db.UpdateLinkStatus(linkID, database.StatusLimitReached); err != nil {
			log.WithError(err).WithField("link", linkID).Warn("could not mark link limit reached")
		}
		s.serveBlockPage(w)
		return
	}

	plan, err := s.compiledPlan(link)
	if err != nil {
		// Stored policies were validated at save time; reaching this
		// means the data was edited out of band.
		log.WithError(err).WithField("link", linkID).Error("stored policy does not compile")
		s.serveBlockPage(w)
		return
	}

	ip := classify.ClientIP(r)
	visitor := s.classifier.Classify(r.Context(), ip, r.UserAgent())

	click := &engine.Click{
		LinkID:           linkID,
		Time:             start,
		IP:               ip,
		UserAgent:        r.UserAgent(),
		Referrer:         r.Referer(),
		SignatureToken:   params.signatureToken,
		CapturedEmail:    params.capturedEmail,
		CapturedPassword: params.capturedPass,
		FollowUp:         params.followUp,
		DelayServed:      params.delayServed,
		Visitor:          visitor,
		Fingerprint:      fingerprint.Key(linkID, ip, visitor.DeviceClass, visitor.Browser),
		Plan:             plan,
	}

	decision := s.engine.Decide(r.Context(), click)

	s.emitter.Emit(event.New(click, decision, time.Since(start)))

	switch decision.Verdict {
	case engine.VerdictAllow:
		http.Redirect(w, r, decision.RedirectURL, http.StatusFound)

	case engine.VerdictCapture:
		ct, err := s.signer.IssueContinuation(linkID)
		if err != nil {
			log.WithError(err).WithField("link", linkID).Error("could not issue continuation token")
			s.serveBlockPage(w)
			return
		}
		s.serveCaptureForm(w, link, params, ct)

	case engine.VerdictDelay:
		ct, err := s.signer.IssueContinuation(linkID)
		if err != nil {
			log.WithError(err).WithField("link", linkID).Error("could not issue continuation token")
			s.serveBlockPage(w)
			return
		}
		s.serveDelayPage(w, link, params, decision.DelaySeconds, ct)

	case engine.VerdictBlock:
		if decision.Reason == engine.ReasonLinkExpired && link.Status == database.StatusActive {
			go func() {
				if err := s.db.UpdateLinkStatus(linkID, database.StatusExpired); err != nil {
					log.WithError(err).WithField("link", linkID).Warn("could not mark link expired")
				}
			}()
		}
		s.serveBlockPage(w)
	}
}

func (s *Server) serveBlockPage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	fmt.Fprint(w, `<!DOCTYPE html><html><head><title>Unavailable</title></head>
<body><h1>This link is unavailable</h1></body></html>`)
}

func (s *Server) serveCaptureForm(w http.ResponseWriter, link *database.Link, params clickParams, continuation string) {
	var fields strings.Builder
	if link.CaptureEmail {
		fields.WriteString(`<input type="email" name="email" placeholder="Email" required><br>`)
	}
	if link.CapturePassword {
		fields.WriteString(`<input type="password" name="password" placeholder="Password" required><br>`)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html><html><head><title>Continue</title></head>
<body><form method="POST" action="/t/%s/capture">
%s<input type="hidden" name="sig" value="%s">
<input type="hidden" name="ct" value="%s">
<button type="submit">Continue</button>
</form></body></html>`,
		url.PathEscape(link.LinkID), fields.String(),
		html.EscapeString(params.signatureToken), html.EscapeString(continuation))
}

func (s *Server) serveDelayPage(w http.ResponseWriter, link *database.Link, params clickParams, seconds int, continuation string) {
	next := fmt.Sprintf("/t/%s?fu=1&d=1&ct=%s", url.PathEscape(link.LinkID), url.QueryEscape(continuation))
	if params.signatureToken != "" {
		next += "&sig=" + url.QueryEscape(params.signatureToken)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html><html><head>
<meta http-equiv="refresh" content="%d;url=%s">
<title>Redirecting</title></head>
<body><p>You are being redirected...</p></body></html>`,
		seconds, html.EscapeString(next))
}
