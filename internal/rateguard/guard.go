// internal/rateguard/guard.go

// Package rateguard throttles senders and rejects repeated content before a
// message ever leaves the process.
package rateguard

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// Reason explains why a send was rejected.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonCooldown  Reason = "cooldown"
	ReasonEmpty     Reason = "empty"
	ReasonTooLong   Reason = "too_long"
	ReasonBurst     Reason = "burst"
	ReasonSustained Reason = "sustained"
	ReasonTooFast   Reason = "too_fast"
	ReasonDuplicate Reason = "duplicate"
)

// Verdict is the outcome of a spam check.
type Verdict struct {
	Allowed           bool
	Reason            Reason
	CooldownRemaining time.Duration
	// Penalty is set when the failed rule escalates the sender's cooldown.
	Penalty bool
}

type senderState struct {
	sends         []time.Time
	bodies        [historyCap]string
	bodyCount     int
	bodyNext      int
	cooldownUntil time.Time
	warnings      int
	lastActive    time.Time
}

const historyCap = 32

// Guard holds per-sender rate state. It is safe for concurrent use.
type Guard struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	senders map[string]*senderState
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// WithLogger sets the guard's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(g *Guard) {
		g.log = log.With().Str("component", "rateguard").Logger()
	}
}

// New creates a guard. Zero config fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Guard {
	g := &Guard{
		cfg:     cfg.withDefaults(),
		log:     zerolog.Nop(),
		now:     time.Now,
		senders: make(map[string]*senderState),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs every rule without touching any state.
func (g *Guard) Evaluate(senderID, content string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.evaluate(g.senders[senderID], content, g.now())
}

// CheckSpam evaluates the rules and, when the failing rule carries a
// penalty, escalates the sender's cooldown. Send history is never touched;
// only RecordMessage does that.
func (g *Guard) CheckSpam(senderID, content string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st := g.senders[senderID]
	v := g.evaluate(st, content, now)
	if v.Allowed {
		return v
	}
	if v.Penalty {
		if st == nil {
			st = &senderState{}
			g.senders[senderID] = st
		}
		v.CooldownRemaining = g.penalize(st, now)
		g.log.Warn().
			Str("sender", senderID).
			Str("reason", string(v.Reason)).
			Int("warnings", st.warnings).
			Dur("cooldown", v.CooldownRemaining).
			Msg("sender penalized")
	}
	rejectionsTotal.WithLabelValues(string(v.Reason)).Inc()
	return v
}

// RecordMessage stores an accepted send in the sender's history.
func (g *Guard) RecordMessage(senderID, content string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st := g.senders[senderID]
	if st == nil {
		st = &senderState{}
		g.senders[senderID] = st
	}
	st.sends = append(trimBefore(st.sends, now.Add(-g.cfg.SustainedWindow)), now)
	st.bodies[st.bodyNext] = Normalize(content)
	st.bodyNext = (st.bodyNext + 1) % g.cfg.HistorySize
	if st.bodyCount < g.cfg.HistorySize {
		st.bodyCount++
	}
	st.lastActive = now
}

// Reset forgets everything about a sender, including an active cooldown.
func (g *Guard) Reset(senderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.senders, senderID)
}

// Sweep evicts senders idle for longer than IdleTTL that have no active
// cooldown. It returns the number of evicted entries.
func (g *Guard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	evicted, cooling := 0, 0
	for id, st := range g.senders {
		if now.Before(st.cooldownUntil) {
			cooling++
			continue
		}
		if now.Sub(st.lastActive) >= g.cfg.IdleTTL {
			delete(g.senders, id)
			evicted++
		}
	}
	trackedSenders.Set(float64(len(g.senders)))
	coolingSenders.Set(float64(cooling))
	return evicted
}

// Run sweeps on SweepInterval until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				g.log.Debug().Int("evicted", n).Msg("swept idle senders")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stats reports how many senders are tracked and how many are cooling down.
func (g *Guard) Stats() (tracked, cooling int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for _, st := range g.senders {
		if now.Before(st.cooldownUntil) {
			cooling++
		}
	}
	return len(g.senders), cooling
}

// TooLong reports whether content exceeds the configured length in runes.
func (g *Guard) TooLong(content string) bool {
	return utf8.RuneCountInString(content) > g.cfg.MaxContentLength
}

func (g *Guard) evaluate(st *senderState, content string, now time.Time) Verdict {
	if st != nil && now.Before(st.cooldownUntil) {
		return Verdict{Reason: ReasonCooldown, CooldownRemaining: st.cooldownUntil.Sub(now)}
	}

	if strings.TrimSpace(content) == "" {
		return Verdict{Reason: ReasonEmpty}
	}
	if g.TooLong(content) {
		return Verdict{Reason: ReasonTooLong}
	}

	if st == nil {
		return Verdict{Allowed: true}
	}

	if countSince(st.sends, now.Add(-g.cfg.BurstWindow)) >= g.cfg.BurstLimit {
		return Verdict{Reason: ReasonBurst, Penalty: true, CooldownRemaining: g.cooldownFor(st.warnings + 1)}
	}
	if countSince(st.sends, now.Add(-g.cfg.SustainedWindow)) >= g.cfg.SustainedLimit {
		return Verdict{Reason: ReasonSustained, Penalty: true, CooldownRemaining: g.cooldownFor(st.warnings + 1)}
	}
	if n := len(st.sends); n > 0 && now.Sub(st.sends[n-1]) < g.cfg.MinInterval {
		return Verdict{Reason: ReasonTooFast}
	}

	body := Normalize(content)
	matches := 0
	for i := 0; i < st.bodyCount; i++ {
		if st.bodies[i] == body {
			matches++
		}
	}
	if matches+1 >= g.cfg.DuplicateThreshold {
		return Verdict{Reason: ReasonDuplicate, Penalty: true, CooldownRemaining: g.cooldownFor(st.warnings + 1)}
	}

	return Verdict{Allowed: true}
}

// penalize must be called with g.mu held.
func (g *Guard) penalize(st *senderState, now time.Time) time.Duration {
	st.warnings++
	until := now.Add(g.cooldownFor(st.warnings))
	if until.After(st.cooldownUntil) {
		st.cooldownUntil = until
	}
	st.lastActive = now
	return st.cooldownUntil.Sub(now)
}

func (g *Guard) cooldownFor(warnings int) time.Duration {
	mult := 1
	for _, step := range g.cfg.Escalation {
		if warnings >= step.Warnings {
			mult = step.Multiplier
		}
	}
	return g.cfg.BaseCooldown * time.Duration(mult)
}

// Normalize lower-cases content, collapses whitespace runs and trims it.
func Normalize(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

func countSince(ts []time.Time, since time.Time) int {
	n := 0
	for i := len(ts) - 1; i >= 0; i-- {
		if !ts[i].After(since) {
			break
		}
		n++
	}
	return n
}

func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
