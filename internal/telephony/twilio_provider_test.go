package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellness-orchestrator/internal/config"
)

type staticDirectory map[string]string

func (d staticDirectory) PatientPhone(_ context.Context, patientID string) (string, error) {
	phone, ok := d[patientID]
	if !ok {
		return "", assert.AnError
	}
	return phone, nil
}

func providerForServer(srv *httptest.Server) *TwilioProvider {
	cfg := &config.Config{
		TwilioAccountSID: "AC_test",
		TwilioAuthToken:  "secret",
		TwilioFromNumber: "+15550100",
		TwilioAPIBaseURL: srv.URL,
		PublicBaseURL:    "https://orchestrator.example.com",
		ProviderTimeout:  5 * time.Second,
	}
	return NewTwilioProvider(cfg, staticDirectory{"patient-1": "+15550199"}, nil)
}

func TestInitiateCallPlacesProviderCall(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "AC_test", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "/2010-04-01/Accounts/AC_test/Calls.json", r.URL.Path)

		gotForm = map[string]string{
			"To":               r.PostFormValue("To"),
			"From":             r.PostFormValue("From"),
			"StatusCallback":   r.PostFormValue("StatusCallback"),
			"MachineDetection": r.PostFormValue("MachineDetection"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sid":"CA12345","status":"queued"}`))
	}))
	defer srv.Close()

	sid, err := providerForServer(srv).InitiateCall(context.Background(), "patient-1")
	require.NoError(t, err)
	assert.Equal(t, "CA12345", sid)
	assert.Equal(t, "+15550199", gotForm["To"])
	assert.Equal(t, "+15550100", gotForm["From"])
	assert.Equal(t, "https://orchestrator.example.com/api/v1/telephony/status", gotForm["StatusCallback"])
	assert.Equal(t, "Enable", gotForm["MachineDetection"])
}

func TestInitiateCallUnknownPatient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider must not be called without a phone number")
	}))
	defer srv.Close()

	_, err := providerForServer(srv).InitiateCall(context.Background(), "patient-unknown")
	assert.Error(t, err)
}

func TestInitiateCallProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"authentication failed"}`))
	}))
	defer srv.Close()

	_, err := providerForServer(srv).InitiateCall(context.Background(), "patient-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestHangupMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC_test/Calls/CA999.json", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := providerForServer(srv).Hangup(context.Background(), "CA999")
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestHangupCompletesCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "completed", r.PostFormValue("Status"))
		w.Write([]byte(`{"sid":"CA12345","status":"completed"}`))
	}))
	defer srv.Close()

	assert.NoError(t, providerForServer(srv).Hangup(context.Background(), "CA12345"))
}
