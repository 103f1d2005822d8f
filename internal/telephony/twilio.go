package telephony

import (
	"net/http"
	"strings"
)

// StatusCallback captures the subset of voice status webhook fields the
// orchestrator cares about. Twilio sends application/x-www-form-urlencoded
// by default.
type StatusCallback struct {
	CallSid       string
	CallStatus    string
	AnsweredBy    string
	CallDuration  string
	SequenceNum   string
	Direction     string
	ErrorCode     string
}

// ParseStatusCallback parses a provider status webhook request
func ParseStatusCallback(r *http.Request) (StatusCallback, error) {
	if err := r.ParseForm(); err != nil {
		return StatusCallback{}, err
	}
	cb := StatusCallback{
		CallSid:      strings.TrimSpace(r.PostFormValue("CallSid")),
		CallStatus:   strings.TrimSpace(r.PostFormValue("CallStatus")),
		AnsweredBy:   strings.TrimSpace(r.PostFormValue("AnsweredBy")),
		CallDuration: strings.TrimSpace(r.PostFormValue("CallDuration")),
		SequenceNum:  strings.TrimSpace(r.PostFormValue("SequenceNumber")),
		Direction:    strings.TrimSpace(r.PostFormValue("Direction")),
		ErrorCode:    strings.TrimSpace(r.PostFormValue("ErrorCode")),
	}
	return cb, nil
}

// MachineAnswered reports whether answering-machine detection fired.
// Twilio reports machine_start / machine_end_beep / machine_end_silence /
// machine_end_other / fax for non-human pickup.
func (cb StatusCallback) MachineAnswered() bool {
	return strings.HasPrefix(cb.AnsweredBy, "machine") || cb.AnsweredBy == "fax"
}
