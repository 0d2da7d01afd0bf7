// Package engine evaluates clicks against compiled tracking-link
// policies. Each evaluation is an ordered, short-circuiting loop over
// the plan's stages; many evaluations run in parallel across visitors
// and links, sharing only the fingerprint-keyed state store.
package engine

import (
	"context"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/policy"
	"github.com/linkgate/linkgate/internal/signature"
	"github.com/linkgate/linkgate/internal/state"
)

// Engine is the decision aggregator. Safe for concurrent use.
type Engine struct {
	stages map[policy.StageKind]stage
	store  state.Store
}

// Options carries the evaluator dependencies the config doesn't cover.
type Options struct {
	Store    state.Store
	Signer   *signature.Signer
	Resolver MXResolver

	// BotThreshold comes from the classifier config so both sides
	// agree on what score means bot.
	BotThreshold float64

	DedupeHorizon time.Duration
}

// New wires one evaluator per stage kind. The policy compiler decides
// which of them run for a given link.
func New(cfg config.EngineConfig, opts Options) *Engine {
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	failClosed := cfg.LookupFallback == "fail_closed"

	stages := map[policy.StageKind]stage{
		policy.StageExpiration: expirationStage{},
		policy.StageBot:        botStage{threshold: opts.BotThreshold},
		policy.StageRateLimit: rateLimitStage{
			store:         opts.Store,
			defaultWindow: cfg.RateWindow,
			defaultMax:    cfg.RateMax,
		},
		policy.StageGeo:       geoStage{failClosed: failClosed},
		policy.StageDevice:    deviceStage{},
		policy.StageBrowser:   browserStage{},
		policy.StageSignature: signatureStage{signer: opts.Signer},
		policy.StageDedupe: dedupeStage{
			store:   opts.Store,
			horizon: opts.DedupeHorizon,
		},
		policy.StageMX: mxStage{
			resolver:   opts.Resolver,
			timeout:    cfg.MXTimeout,
			failClosed: failClosed,
		},
	}

	return &Engine{stages: stages, store: opts.Store}
}

// Decide runs the compiled plan against one click and always returns a
// completed decision. The first blocking stage short-circuits the
// rest. Shared-state mutations made before a cancellation stand;
// partial effects keep audit counts consistent.
func (e *Engine) Decide(ctx context.Context, c *Click) *Decision {
	d := &Decision{Fingerprint: c.Fingerprint}
	p := c.Plan.Policy

	for _, kind := range c.Plan.Stages {
		s, ok := e.stages[kind]
		if !ok {
			log.WithField("stage", kind).Error("no evaluator for compiled stage")
			continue
		}

		v := s.evaluate(ctx, c)
		d.Trail = append(d.Trail, StageResult{
			Kind:    kind,
			Outcome: v.outcome.String(),
			Reason:  v.reason,
		})

		switch v.outcome {
		case outcomeBlock:
			d.Verdict = VerdictBlock
			d.Reason = v.reason
			return d
		case outcomeNeedsCapture:
			if !c.FollowUp {
				d.Verdict = VerdictCapture
				return d
			}
		}
	}

	if p.CaptureEnabled() && !c.FollowUp {
		d.Verdict = VerdictCapture
		return d
	}

	if p.RedirectDelay > 0 && !c.DelayServed {
		d.Verdict = VerdictDelay
		d.DelaySeconds = p.RedirectDelay
		return d
	}

	d.Verdict = VerdictAllow
	d.RedirectURL = e.redirectTarget(ctx, c)
	return d
}

// redirectTarget picks the preview URL for a fingerprint's first
// allowed hit when one is configured, the real target otherwise.
func (e *Engine) redirectTarget(ctx context.Context, c *Click) string {
	p := c.Plan.Policy
	if p.PreviewURL == "" || c.FollowUp {
		return p.TargetURL
	}

	seen, err := e.store.SeenOnce(ctx, "pv:"+c.Fingerprint, 24*time.Hour)
	if err != nil || seen {
		return p.TargetURL
	}
	return p.PreviewURL
}
