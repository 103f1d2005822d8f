package redisclient

import "fmt"

// RedisPrefix is the prefix for all Redis keys owned by the orchestrator
const RedisPrefix = "wellness:"

// CallRecordKey returns the Redis key for a call's session record hash
func CallRecordKey(callID string) string {
	return fmt.Sprintf("%scall:%s", RedisPrefix, callID)
}

// ActiveCallsKey returns the Redis key for the SET of active call ids
func ActiveCallsKey() string {
	return RedisPrefix + "calls:active"
}

// ExternalCallKey returns the Redis key mapping a provider call id to the
// internal call id — the webhook path only has the provider's identifier
func ExternalCallKey(externalCallID string) string {
	return fmt.Sprintf("%scall:external:%s", RedisPrefix, externalCallID)
}

// WebhookSeenKey returns the Redis key guarding duplicate webhook delivery
// for one call+status pair
func WebhookSeenKey(externalCallID, status string) string {
	return fmt.Sprintf("%swebhook:%s:%s", RedisPrefix, externalCallID, status)
}

// RetryChainKey returns the Redis key for the LIST of call ids forming a
// retry chain, oldest first
func RetryChainKey(originalCallID string) string {
	return fmt.Sprintf("%scall:chain:%s", RedisPrefix, originalCallID)
}

// PatientKey returns the Redis key for a patient's profile hash.
// The profile is written by the enrollment service; this side only reads.
func PatientKey(patientID string) string {
	return fmt.Sprintf("%spatient:%s", RedisPrefix, patientID)
}
