package mapek

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"meshcore/internal/hooks"
)

const (
	knowledgeBasePersistenceKey = "mapek/knowledge_base"

	// ReuseConfidenceThreshold is the minimum KB confidence required to
	// reuse a prior plan for a diagnosed pattern instead of synthesizing a
	// fresh one from the catalogue (spec.md §4.7 "P").
	ReuseConfidenceThreshold = 0.6

	// MaxReuseCost bounds the catalogueCost of a plan eligible for KB reuse
	// (spec.md §4.7's "bounded expected cost" condition): even at high
	// confidence, a disruptive learned plan (e.g. QuarantinePeer) is
	// resynthesized fresh from the catalogue rather than replayed, so a
	// stale high-cost remedy can't keep re-firing on confidence alone.
	MaxReuseCost = 0.7

	// EWMA confidence update coefficients (spec.md §4.7 "K").
	EWMAAlphaSuccess = 0.3
	EWMAAlphaFailure = 0.5
)

type kbEntry struct {
	Pattern     string    `json:"pattern"`
	Plan        Plan      `json:"plan"`
	Confidence  float64   `json:"confidence"`
	LastUpdated time.Time `json:"last_updated"`
}

// KnowledgeBase maps a diagnostic pattern to the plan that has historically
// resolved it, with an EWMA-updated confidence score. Persisted
// periodically through a hooks.PersistenceHook; rehydration is best-effort
// (an empty KB is valid, per spec.md §4.7 "K").
type KnowledgeBase struct {
	persistence hooks.PersistenceHook
	logger      *slog.Logger

	mu      sync.Mutex
	entries map[string]*kbEntry
	dirty   bool
}

func newKnowledgeBase(p hooks.PersistenceHook, logger *slog.Logger) *KnowledgeBase {
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeBase{
		persistence: p,
		logger:      logger.With("component", "mapek.kb"),
		entries:     make(map[string]*kbEntry),
	}
}

// lookup returns a reusable plan for pattern if the KB holds one above
// ReuseConfidenceThreshold and at or below MaxReuseCost.
func (kb *KnowledgeBase) lookup(pattern string) (Plan, bool) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	e, ok := kb.entries[pattern]
	if !ok || e.Confidence < ReuseConfidenceThreshold || e.Plan.Cost > MaxReuseCost {
		return Plan{}, false
	}
	return e.Plan, true
}

func (kb *KnowledgeBase) update(pattern string, plan Plan, outcome Outcome) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	e, ok := kb.entries[pattern]
	if !ok {
		e = &kbEntry{Pattern: pattern, Confidence: 0.5}
		kb.entries[pattern] = e
	}
	e.Plan = plan
	e.LastUpdated = time.Now()

	alpha := EWMAAlphaFailure
	sample := 0.0
	if outcome.Success {
		alpha = EWMAAlphaSuccess
		sample = 1.0
	}
	e.Confidence = alpha*sample + (1-alpha)*e.Confidence
	kb.dirty = true
}

func (kb *KnowledgeBase) persist() {
	kb.mu.Lock()
	if !kb.dirty {
		kb.mu.Unlock()
		return
	}
	snapshot := make([]*kbEntry, 0, len(kb.entries))
	for _, e := range kb.entries {
		snapshot = append(snapshot, e)
	}
	kb.dirty = false
	kb.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		kb.logger.Error("failed to marshal knowledge base", "error", err)
		return
	}
	if err := kb.persistence.Save(knowledgeBasePersistenceKey, data); err != nil {
		kb.logger.Error("failed to persist knowledge base", "error", err)
	}
}

func (kb *KnowledgeBase) rehydrate() {
	data, ok, err := kb.persistence.Load(knowledgeBasePersistenceKey)
	if err != nil {
		kb.logger.Warn("knowledge base rehydration failed, starting empty", "error", err)
		return
	}
	if !ok {
		return
	}
	var snapshot []*kbEntry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		kb.logger.Warn("knowledge base snapshot corrupt, starting empty", "error", err)
		return
	}
	kb.mu.Lock()
	defer kb.mu.Unlock()
	for _, e := range snapshot {
		kb.entries[e.Pattern] = e
	}
}
