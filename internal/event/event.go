// Package event packages completed decisions into audit events for the
// live-activity feed and aggregate analytics. Emission is a pure
// side-effect boundary: redirect correctness never waits on it.
package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/linkgate/linkgate/internal/engine"
)

// Event is the write-once audit record for one evaluated click.
type Event struct {
	ID           string    `json:"id"`
	Time         time.Time `json:"time"`
	LinkID       string    `json:"link_id"`
	CampaignName string    `json:"campaign_name"`
	Fingerprint  string    `json:"fingerprint"`

	IP          string  `json:"ip"`
	Country     string  `json:"country"`
	City        string  `json:"city"`
	ISP         string  `json:"isp"`
	DeviceClass string  `json:"device_class"`
	OS          string  `json:"os"`
	Browser     string  `json:"browser"`
	UserAgent   string  `json:"user_agent"`
	Referrer    string  `json:"referrer"`
	BotScore    float64 `json:"bot_score"`

	Verdict       string `json:"verdict"`
	Reason        string `json:"reason,omitempty"`
	CapturedEmail string `json:"captured_email,omitempty"`
	ProcessingMs  int64  `json:"processing_ms"`
}

// New builds the audit event for one click and its decision.
func New(c *engine.Click, d *engine.Decision, processing time.Duration) *Event {
	return &Event{
		ID:            uuid.New().String(),
		Time:          c.Time,
		LinkID:        c.LinkID,
		CampaignName:  c.Plan.Policy.CampaignName,
		Fingerprint:   c.Fingerprint,
		IP:            c.IP,
		Country:       c.Visitor.Country,
		City:          c.Visitor.City,
		ISP:           c.Visitor.ISP,
		DeviceClass:   c.Visitor.DeviceClass,
		OS:            c.Visitor.OS,
		Browser:       c.Visitor.Browser,
		UserAgent:     c.UserAgent,
		Referrer:      c.Referrer,
		BotScore:      c.Visitor.BotScore,
		Verdict:       string(d.Verdict),
		Reason:        string(d.Reason),
		CapturedEmail: c.CapturedEmail,
		ProcessingMs:  processing.Milliseconds(),
	}
}

// Sink consumes emitted events.
type Sink interface {
	Write(ctx context.Context, e *Event) error
}

// Emitter fans events out to its sinks from a single worker. Emit
// never blocks the click path; when the buffer is full the event is
// dropped and counted.
type Emitter struct {
	ch      chan *Event
	sinks   []Sink
	dropped atomic.Int64

	wg   sync.WaitGroup
	once sync.Once
}

func NewEmitter(buffer int, sinks ...Sink) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	em := &Emitter{
		ch:    make(chan *Event, buffer),
		sinks: sinks,
	}
	em.wg.Add(1)
	go em.run()
	return em
}

// Emit queues the event for delivery. Fire-and-forget.
func (em *Emitter) Emit(e *Event) {
	select {
	case em.ch <- e:
	default:
		em.dropped.Add(1)
		log.WithField("link", e.LinkID).Warn("event buffer full, dropping audit event")
	}
}

// Dropped returns how many events were discarded due to backpressure.
func (em *Emitter) Dropped() int64 {
	return em.dropped.Load()
}

// Close stops the worker after draining queued events.
func (em *Emitter) Close() {
	em.once.Do(func() { close(em.ch) })
	em.wg.Wait()
}

func (em *Emitter) run() {
	defer em.wg.Done()
	for e := range em.ch {
		for _, sink := range em.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := sink.Write(ctx, e); err != nil {
				log.WithError(err).WithField("event", e.ID).Warn("event sink write failed")
			}
			cancel()
		}
	}
}
