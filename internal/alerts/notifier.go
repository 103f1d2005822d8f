package alerts

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier writes alerts to the structured log. It is the default
// sink when no external caregiver channel is configured and is what
// the on-call pager tails in staging.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	n.logger.Warn("CAREGIVER ALERT",
		zap.String("patient_id", alert.PatientID),
		zap.String("severity", string(alert.Severity)),
		zap.String("category", string(alert.Category)),
		zap.String("text", alert.Text),
		zap.Float64("confidence", alert.Confidence),
		zap.Time("timestamp", alert.Timestamp),
	)
	return nil
}
