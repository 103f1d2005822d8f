// Package dedup decides, per patient and emergency category, whether a
// freshly detected emergency should produce a notification given recent
// alert history. History is sharded by patient key, so only per-key
// synchronization is needed — never a global lock on the hot path.
package dedup

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wellness-orchestrator/internal/detector"
)

const (
	// maxRecordedTextLen bounds what we keep of a transcript fragment
	maxRecordedTextLen = 200

	// patternWindowMultiple widens the debounce window for recurring
	// pattern detection
	patternWindowMultiple = 3

	// maxEscalationConfidence caps the multi-signal confidence scale
	maxEscalationConfidence = 0.8
)

// AlertRecord is one entry in a patient's rolling alert history
type AlertRecord struct {
	ID        string            `json:"id"`
	PatientID string            `json:"patient_id"`
	Category  detector.Category `json:"category"`
	Severity  detector.Severity `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Text      string            `json:"text"`
}

// Decision is the outcome of ShouldAlert
type Decision struct {
	ShouldAlert bool    `json:"should_alert"`
	Reason      string  `json:"reason"`
	Confidence  float64 `json:"confidence"`
}

// Options tunes the deduplication windows
type Options struct {
	DebounceWindow   time.Duration
	MaxAlertsPerHour int
	SimilarityCutoff float64
	Retention        time.Duration
	CleanupInterval  time.Duration
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		DebounceWindow:   5 * time.Minute,
		MaxAlertsPerHour: 10,
		SimilarityCutoff: 0.7,
		Retention:        24 * time.Hour,
		CleanupInterval:  30 * time.Minute,
	}
}

// patientHistory holds one patient's shard. Guarded by its own mutex.
type patientHistory struct {
	mu              sync.Mutex
	alerts          []AlertRecord
	hourWindowStart time.Time
	hourCount       int
}

// Deduplicator owns all per-patient alert history
type Deduplicator struct {
	mu       sync.RWMutex // guards the patients map, not the shards
	patients map[string]*patientHistory

	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New creates a deduplicator with the given options
func New(opts Options, logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = 5 * time.Minute
	}
	if opts.MaxAlertsPerHour <= 0 {
		opts.MaxAlertsPerHour = 10
	}
	if opts.SimilarityCutoff <= 0 {
		opts.SimilarityCutoff = 0.7
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 30 * time.Minute
	}
	return &Deduplicator{
		patients: make(map[string]*patientHistory),
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// ShouldAlert applies the suppression rules in order: hourly cap, debounce
// (with CRITICAL escalation override), recurring-pattern detection, then
// multi-signal escalation.
//
// Fails open: any internal panic allows the alert. Silent suppression due
// to a bug is unacceptable in a safety path.
func (d *Deduplicator) ShouldAlert(patientID string, category detector.Category, severity detector.Severity, text string, ts time.Time) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("alert deduplication panicked, failing open",
				zap.Any("panic", r),
				zap.String("patient_id", patientID),
			)
			decision = Decision{ShouldAlert: true, Reason: "dedup-error-fail-open", Confidence: 1.0}
		}
	}()

	h := d.shard(patientID)
	h.mu.Lock()
	defer h.mu.Unlock()

	// 1. Hourly cap (rolling window, reset once an hour has elapsed)
	d.rollHourWindowLocked(h, ts)
	if h.hourCount >= d.opts.MaxAlertsPerHour {
		return Decision{ShouldAlert: false, Reason: "hourly-cap", Confidence: 1.0}
	}

	// 2. Debounce: same-category alert within the window suppresses,
	// unless the new alert is a CRITICAL escalation over a non-CRITICAL
	// recent one — a worsening situation must get through.
	recent := recentSameCategoryLocked(h, category, ts, d.opts.DebounceWindow)
	escalated := false
	if len(recent) > 0 {
		if severity == detector.SeverityCritical && anyNotCritical(recent) {
			escalated = true
		} else {
			return Decision{ShouldAlert: false, Reason: "debounce", Confidence: 1.0}
		}
	}

	// 3. Cross-time pattern: three or more highly similar alerts inside
	// the widened window, spaced under an hour on average, read as a
	// recurring non-emergency pattern rather than a new incident.
	patternWindow := time.Duration(patternWindowMultiple) * d.opts.DebounceWindow
	similar := similarAlertsLocked(h, text, ts, patternWindow, d.opts.SimilarityCutoff)
	if len(similar) >= 3 && averageSpacing(similar) < time.Hour {
		return Decision{ShouldAlert: false, Reason: "recurring-pattern", Confidence: 1.0}
	}

	// 4. Multi-signal escalation: several concurrent same-category signals
	// plus a CRITICAL one is corroboration, not duplication. Confidence
	// scales with the signal count, capped.
	if len(recent) >= 2 && severity == detector.SeverityCritical {
		confidence := 0.5 + float64(len(recent))*0.1
		if confidence > maxEscalationConfidence {
			confidence = maxEscalationConfidence
		}
		return Decision{ShouldAlert: true, Reason: "multi-signal-escalation", Confidence: confidence}
	}

	if escalated {
		return Decision{ShouldAlert: true, Reason: "escalation", Confidence: 1.0}
	}
	return Decision{ShouldAlert: true, Reason: "allowed", Confidence: 1.0}
}

// RecordAlert appends a sent alert to the patient's history and counts it
// against the hourly cap
func (d *Deduplicator) RecordAlert(patientID string, category detector.Category, severity detector.Severity, ts time.Time, text string) AlertRecord {
	if len(text) > maxRecordedTextLen {
		text = text[:maxRecordedTextLen]
	}
	rec := AlertRecord{
		ID:        uuid.NewString(),
		PatientID: patientID,
		Category:  category,
		Severity:  severity,
		Timestamp: ts,
		Text:      text,
	}

	h := d.shard(patientID)
	h.mu.Lock()
	defer h.mu.Unlock()

	d.rollHourWindowLocked(h, ts)
	h.hourCount++
	h.alerts = append(h.alerts, rec)
	return rec
}

// GetRecentAlerts returns the patient's alerts no older than hoursBack,
// newest first. Bounded lookback for operator/audit tooling.
func (d *Deduplicator) GetRecentAlerts(patientID string, hoursBack int) []AlertRecord {
	d.mu.RLock()
	h, ok := d.patients[patientID]
	d.mu.RUnlock()
	if !ok {
		return nil
	}

	cutoff := d.now().Add(-time.Duration(hoursBack) * time.Hour)

	h.mu.Lock()
	defer h.mu.Unlock()

	var out []AlertRecord
	for i := len(h.alerts) - 1; i >= 0; i-- {
		if h.alerts[i].Timestamp.After(cutoff) {
			out = append(out, h.alerts[i])
		}
	}
	return out
}

// RunCleanupLoop purges expired alerts on a fixed interval until ctx is done
func (d *Deduplicator) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(d.opts.CleanupInterval)
	defer ticker.Stop()

	d.logger.Info("alert cleanup sweep started", zap.Duration("interval", d.opts.CleanupInterval))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("alert cleanup sweep stopped")
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// Sweep removes alerts older than the retention window and drops patients
// whose history is empty, bounding memory under sustained load
func (d *Deduplicator) Sweep() {
	cutoff := d.now().Add(-d.opts.Retention)

	d.mu.Lock()
	defer d.mu.Unlock()

	purged, dropped := 0, 0
	for patientID, h := range d.patients {
		h.mu.Lock()
		kept := h.alerts[:0]
		for _, rec := range h.alerts {
			if rec.Timestamp.After(cutoff) {
				kept = append(kept, rec)
			} else {
				purged++
			}
		}
		h.alerts = kept
		empty := len(h.alerts) == 0
		h.mu.Unlock()

		if empty {
			delete(d.patients, patientID)
			dropped++
		}
	}

	if purged > 0 || dropped > 0 {
		d.logger.Info("alert history swept",
			zap.Int("alerts_purged", purged),
			zap.Int("patients_dropped", dropped),
		)
	}
}

// shard returns the patient's history, creating it if absent
func (d *Deduplicator) shard(patientID string) *patientHistory {
	d.mu.RLock()
	h, ok := d.patients[patientID]
	d.mu.RUnlock()
	if ok {
		return h
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok = d.patients[patientID]; ok {
		return h
	}
	h = &patientHistory{}
	d.patients[patientID] = h
	return h
}

func (d *Deduplicator) rollHourWindowLocked(h *patientHistory, ts time.Time) {
	if h.hourWindowStart.IsZero() || ts.Sub(h.hourWindowStart) > time.Hour {
		h.hourWindowStart = ts
		h.hourCount = 0
	}
}

func recentSameCategoryLocked(h *patientHistory, category detector.Category, ts time.Time, window time.Duration) []AlertRecord {
	var out []AlertRecord
	cutoff := ts.Add(-window)
	for _, rec := range h.alerts {
		if rec.Category == category && rec.Timestamp.After(cutoff) && !rec.Timestamp.After(ts) {
			out = append(out, rec)
		}
	}
	return out
}

func anyNotCritical(records []AlertRecord) bool {
	for _, rec := range records {
		if rec.Severity != detector.SeverityCritical {
			return true
		}
	}
	return false
}

func similarAlertsLocked(h *patientHistory, text string, ts time.Time, window time.Duration, cutoff float64) []AlertRecord {
	var out []AlertRecord
	earliest := ts.Add(-window)
	for _, rec := range h.alerts {
		if rec.Timestamp.After(earliest) && !rec.Timestamp.After(ts) && textSimilarity(rec.Text, text) >= cutoff {
			out = append(out, rec)
		}
	}
	return out
}

// averageSpacing returns the mean gap between consecutive alerts.
// Records are appended in time order, so first/last bound the span.
func averageSpacing(records []AlertRecord) time.Duration {
	if len(records) < 2 {
		return 0
	}
	span := records[len(records)-1].Timestamp.Sub(records[0].Timestamp)
	return span / time.Duration(len(records)-1)
}

// textSimilarity computes Jaccard similarity over lowercased word sets
func textSimilarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:'\"")
		if w != "" {
			set[w] = true
		}
	}
	return set
}
