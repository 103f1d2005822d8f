package telephony

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellness-orchestrator/internal/models"
)

func TestParseStatusCallback(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA1234567890abcdef")
	form.Set("CallStatus", "completed")
	form.Set("AnsweredBy", "human")
	form.Set("CallDuration", "125")
	form.Set("Direction", "outbound-api")

	req := httptest.NewRequest("POST", "/api/v1/telephony/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	cb, err := ParseStatusCallback(req)
	require.NoError(t, err)

	assert.Equal(t, "CA1234567890abcdef", cb.CallSid)
	assert.Equal(t, "completed", cb.CallStatus)
	assert.Equal(t, "125", cb.CallDuration)
	assert.False(t, cb.MachineAnswered())
}

func TestMachineAnswered(t *testing.T) {
	tests := []struct {
		answeredBy string
		machine    bool
	}{
		{"machine_start", true},
		{"machine_end_beep", true},
		{"fax", true},
		{"human", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.answeredBy, func(t *testing.T) {
			cb := StatusCallback{AnsweredBy: tt.answeredBy}
			assert.Equal(t, tt.machine, cb.MachineAnswered())
		})
	}
}

func TestMapProviderStatus(t *testing.T) {
	tests := []struct {
		provider string
		want     models.ChannelStatus
	}{
		{"queued", models.ChannelInitiating},
		{"initiated", models.ChannelInitiating},
		{"ringing", models.ChannelRinging},
		{"answered", models.ChannelAnswered},
		{"in-progress", models.ChannelConnected},
		{"completed", models.ChannelEnded},
		{"busy", models.ChannelBusy},
		{"failed", models.ChannelFailed},
		{"canceled", models.ChannelFailed},
		{"no-answer", models.ChannelNoAnswer},
		{"some-future-status", models.ChannelInitiating},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			assert.Equal(t, tt.want, MapProviderStatus(tt.provider))
		})
	}
}
