package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"wellness-orchestrator/internal/config"
)

// Directory resolves a patient id to a dialable phone number
type Directory interface {
	PatientPhone(ctx context.Context, patientID string) (string, error)
}

// TwilioProvider places and ends calls through the Twilio REST API
type TwilioProvider struct {
	httpClient  *http.Client
	baseURL     string
	accountSID  string
	authToken   string
	fromNumber  string
	callbackURL string
	directory   Directory
	logger      *zap.Logger
}

// NewTwilioProvider creates a provider from configuration. The status
// callback URL is derived from the public base URL.
func NewTwilioProvider(cfg *config.Config, directory Directory, logger *zap.Logger) *TwilioProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwilioProvider{
		httpClient:  &http.Client{Timeout: cfg.ProviderTimeout},
		baseURL:     strings.TrimRight(cfg.TwilioAPIBaseURL, "/"),
		accountSID:  cfg.TwilioAccountSID,
		authToken:   cfg.TwilioAuthToken,
		fromNumber:  cfg.TwilioFromNumber,
		callbackURL: strings.TrimRight(cfg.PublicBaseURL, "/") + "/api/v1/telephony/status",
		directory:   directory,
		logger:      logger,
	}
}

// InitiateCall places an outbound call with answering machine detection
// enabled and status callbacks pointed at the orchestrator
func (p *TwilioProvider) InitiateCall(ctx context.Context, patientID string) (string, error) {
	phone, err := p.directory.PatientPhone(ctx, patientID)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("To", phone)
	form.Set("From", p.fromNumber)
	form.Set("Url", p.callbackURL)
	form.Set("StatusCallback", p.callbackURL)
	form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	form.Set("MachineDetection", "Enable")

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", p.baseURL, p.accountSID)
	body, err := p.post(ctx, endpoint, form)
	if err != nil {
		return "", err
	}

	var resp struct {
		Sid string `json:"sid"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("unexpected provider response: %w", err)
	}
	if resp.Sid == "" {
		return "", fmt.Errorf("provider response missing call sid")
	}

	p.logger.Info("outbound call placed",
		zap.String("patient_id", patientID),
		zap.String("call_sid", resp.Sid),
	)
	return resp.Sid, nil
}

// Hangup moves the call to completed at the provider. A 404 means the call
// is already gone, which is the goal state.
func (p *TwilioProvider) Hangup(ctx context.Context, externalCallID string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", p.baseURL, p.accountSID, externalCallID)
	_, err := p.post(ctx, endpoint, form)
	return err
}

func (p *TwilioProvider) post(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrCallNotFound
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
