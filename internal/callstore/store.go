// Package callstore persists call session records in Redis so dashboards
// and the billing export survive a process restart. The live state machine
// stays in memory — this store is the durable mirror.
package callstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wellness-orchestrator/internal/models"
	"wellness-orchestrator/internal/redisclient"
)

// Store writes call records to Redis hashes with a configurable TTL
type Store struct {
	redis  *redisclient.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a call store
func New(client *redisclient.Client, ttl time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		redis:  client,
		ttl:    ttl,
		logger: logger,
	}
}

// Save writes the full call record. Called on creation and on every status
// transition; the hash overwrite is idempotent.
func (s *Store) Save(ctx context.Context, call *models.Call) error {
	client := s.redis.GetRedis()
	key := redisclient.CallRecordKey(call.CallID)

	data := map[string]interface{}{
		"call_id":          call.CallID,
		"external_call_id": call.ExternalCallID,
		"patient_id":       call.PatientID,
		"agent_id":         call.AgentID,
		"conversation_id":  call.ConversationID,
		"channel_id":       call.ChannelID,
		"direction":        string(call.Direction),
		"status":           string(call.Status),
		"channel_status":   string(call.ChannelStatus),
		"start_time":       strconv.FormatInt(call.StartTime.Unix(), 10),
		"duration_seconds": strconv.FormatInt(int64(call.Duration.Seconds()), 10),
		"cost":             strconv.FormatFloat(call.Cost, 'f', 4, 64),
		"retry_attempt":    strconv.Itoa(call.RetryAttempt),
		"end_reason":       call.EndReason,
		"original_call_id": call.OriginalCallID,
	}
	if !call.EndTime.IsZero() {
		data["end_time"] = strconv.FormatInt(call.EndTime.Unix(), 10)
	}

	pipe := client.TxPipeline()
	pipe.HSet(ctx, key, data)
	pipe.Expire(ctx, key, s.ttl)
	if call.ExternalCallID != "" {
		pipe.Set(ctx, redisclient.ExternalCallKey(call.ExternalCallID), call.CallID, s.ttl)
	}
	if call.Status == models.CallStatusInitiated || call.Status == models.CallStatusInProgress {
		pipe.SAdd(ctx, redisclient.ActiveCallsKey(), call.CallID)
	} else {
		pipe.SRem(ctx, redisclient.ActiveCallsKey(), call.CallID)
	}
	if call.OriginalCallID != "" {
		pipe.RPush(ctx, redisclient.RetryChainKey(call.OriginalCallID), call.CallID)
		pipe.Expire(ctx, redisclient.RetryChainKey(call.OriginalCallID), s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist call record: %w", err)
	}
	return nil
}

// Get loads a call record by internal call id
func (s *Store) Get(ctx context.Context, callID string) (*models.Call, error) {
	data, err := s.redis.GetRedis().HGetAll(ctx, redisclient.CallRecordKey(callID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load call record: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return callFromHash(data), nil
}

// ResolveExternal maps a provider call id to the internal call id
func (s *Store) ResolveExternal(ctx context.Context, externalCallID string) (string, error) {
	callID, err := s.redis.GetRedis().Get(ctx, redisclient.ExternalCallKey(externalCallID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve external call id: %w", err)
	}
	return callID, nil
}

// ActiveCallIDs lists calls currently marked active
func (s *Store) ActiveCallIDs(ctx context.Context) ([]string, error) {
	ids, err := s.redis.GetRedis().SMembers(ctx, redisclient.ActiveCallsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active calls: %w", err)
	}
	return ids, nil
}

// MarkWebhookSeen records that a webhook for this call+status was
// processed. Returns false when it was already seen — retried provider
// webhooks must not re-run transitions.
func (s *Store) MarkWebhookSeen(ctx context.Context, externalCallID, status string) (bool, error) {
	key := redisclient.WebhookSeenKey(externalCallID, status)
	ok, err := s.redis.GetRedis().SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("webhook idempotency check failed: %w", err)
	}
	return ok, nil
}

// PatientPhone reads the patient's phone number from the profile hash
// maintained by the enrollment service
func (s *Store) PatientPhone(ctx context.Context, patientID string) (string, error) {
	phone, err := s.redis.GetRedis().HGet(ctx, redisclient.PatientKey(patientID), "phone").Result()
	if err == redis.Nil {
		return "", fmt.Errorf("no phone number on file for patient %s", patientID)
	}
	if err != nil {
		return "", fmt.Errorf("patient lookup failed: %w", err)
	}
	return phone, nil
}

// RetryChain returns the call ids linked to the original attempt, in order
func (s *Store) RetryChain(ctx context.Context, originalCallID string) ([]string, error) {
	ids, err := s.redis.GetRedis().LRange(ctx, redisclient.RetryChainKey(originalCallID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load retry chain: %w", err)
	}
	return ids, nil
}

func callFromHash(data map[string]string) *models.Call {
	call := &models.Call{
		CallID:         data["call_id"],
		ExternalCallID: data["external_call_id"],
		PatientID:      data["patient_id"],
		AgentID:        data["agent_id"],
		ConversationID: data["conversation_id"],
		ChannelID:      data["channel_id"],
		Direction:      models.CallDirection(data["direction"]),
		Status:         models.CallStatus(data["status"]),
		ChannelStatus:  models.ChannelStatus(data["channel_status"]),
		EndReason:      data["end_reason"],
		OriginalCallID: data["original_call_id"],
	}
	if ts, err := strconv.ParseInt(data["start_time"], 10, 64); err == nil {
		call.StartTime = time.Unix(ts, 0)
	}
	if ts, err := strconv.ParseInt(data["end_time"], 10, 64); err == nil {
		call.EndTime = time.Unix(ts, 0)
	}
	if secs, err := strconv.ParseInt(data["duration_seconds"], 10, 64); err == nil {
		call.Duration = time.Duration(secs) * time.Second
	}
	if cost, err := strconv.ParseFloat(data["cost"], 64); err == nil {
		call.Cost = cost
	}
	if attempt, err := strconv.Atoi(data["retry_attempt"]); err == nil {
		call.RetryAttempt = attempt
	}
	return call
}
