// Package alerts wires transcript fragments through emergency detection
// and deduplication, handing surviving alerts to the notifier. Delivery
// mechanics (SMS, push) live behind the Notifier contract.
package alerts

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wellness-orchestrator/internal/api/middleware"
	"wellness-orchestrator/internal/dedup"
	"wellness-orchestrator/internal/detector"
	"wellness-orchestrator/internal/events"
)

// Alert is what the notifier receives for a deduplicated emergency
type Alert struct {
	PatientID  string            `json:"patient_id"`
	Category   detector.Category `json:"category"`
	Severity   detector.Severity `json:"severity"`
	Text       string            `json:"text"`
	Timestamp  time.Time         `json:"timestamp"`
	Confidence float64           `json:"confidence"`
	CallID     string            `json:"call_id,omitempty"`
}

// Notifier delivers alerts to caregivers. Implementations must be safe
// for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Pipeline runs detection and deduplication over transcript fragments
type Pipeline struct {
	dedup    *dedup.Deduplicator
	notifier Notifier
	bus      *events.Bus
	logger   *zap.Logger
	now      func() time.Time
}

// NewPipeline builds the fragment-processing pipeline
func NewPipeline(d *dedup.Deduplicator, notifier Notifier, bus *events.Bus, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		dedup:    d,
		notifier: notifier,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// Process classifies one patient transcript fragment and notifies if the
// emergency survives false-positive filtering and deduplication.
// Returns whether a notification was sent.
func (p *Pipeline) Process(ctx context.Context, callID, patientID, text string) bool {
	match := detector.Detect(text)
	if !match.IsEmergency {
		return false
	}
	middleware.EmergenciesDetectedTotal.WithLabelValues(string(match.Severity), string(match.Category)).Inc()

	if detector.FilterFalsePositives(text, match) {
		p.logger.Info("emergency match filtered as false positive",
			zap.String("patient_id", patientID),
			zap.String("matched_phrase", match.MatchedPhrase),
		)
		middleware.AlertsTotal.WithLabelValues("suppressed", "false-positive").Inc()
		return false
	}

	now := p.now()
	decision := p.dedup.ShouldAlert(patientID, match.Category, match.Severity, text, now)
	if !decision.ShouldAlert {
		p.logger.Info("alert suppressed by deduplication",
			zap.String("patient_id", patientID),
			zap.String("category", string(match.Category)),
			zap.String("reason", decision.Reason),
		)
		middleware.AlertsTotal.WithLabelValues("suppressed", decision.Reason).Inc()
		if p.bus != nil {
			p.bus.Publish(events.Event{
				Type:   events.EventAlertSuppressed,
				CallID: callID,
				Fields: map[string]interface{}{
					"patient_id": patientID,
					"category":   string(match.Category),
					"reason":     decision.Reason,
				},
			})
		}
		return false
	}

	alert := Alert{
		PatientID:  patientID,
		Category:   match.Category,
		Severity:   match.Severity,
		Text:       text,
		Timestamp:  now,
		Confidence: decision.Confidence,
		CallID:     callID,
	}
	if err := p.notifier.Notify(ctx, alert); err != nil {
		// The alert still counts against history: the notifier has its own
		// retry path, and re-running deduplication on a delivery error
		// must not double-send later.
		p.logger.Error("alert notification failed",
			zap.String("patient_id", patientID),
			zap.String("severity", string(match.Severity)),
			zap.Error(err),
		)
	}
	p.dedup.RecordAlert(patientID, match.Category, match.Severity, now, text)
	middleware.AlertsTotal.WithLabelValues("sent", decision.Reason).Inc()

	p.logger.Warn("emergency alert sent",
		zap.String("patient_id", patientID),
		zap.String("call_id", callID),
		zap.String("severity", string(match.Severity)),
		zap.String("category", string(match.Category)),
		zap.String("matched_phrase", match.MatchedPhrase),
		zap.Float64("confidence", decision.Confidence),
	)
	return true
}
