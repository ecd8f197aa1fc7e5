package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"
	"time"
)

// ConditionCode names the external condition that blocked a job.
type ConditionCode string

const (
	ConditionSystemNotAvailable      ConditionCode = "SYSTEM_NOT_AVAILABLE"
	ConditionAppNotAvailable         ConditionCode = "APPLICATION_NOT_AVAILABLE"
	ConditionServiceConnection       ConditionCode = "SERVICE_CONNECTION_FAILURE"
	ConditionConnection              ConditionCode = "CONNECTION_FAILURE"
	ConditionTransmission            ConditionCode = "TRANSMISSION_FAILURE"
	ConditionDatabaseAccess          ConditionCode = "DATABASE_ACCESS_ERROR"
	ConditionQuotaExceeded           ConditionCode = "QUOTA_EXCEEDED"
	ConditionSystemSuspended         ConditionCode = "SYSTEM_SUSPENDED"
	ConditionAuthenticationFailed    ConditionCode = "AUTHENTICATION_FAILED"
	ConditionFirstAuthenticationFail ConditionCode = "FIRST_AUTHENTICATION_FAILED"
)

var validConditions = map[ConditionCode]bool{
	ConditionSystemNotAvailable:      true,
	ConditionAppNotAvailable:         true,
	ConditionServiceConnection:       true,
	ConditionConnection:              true,
	ConditionTransmission:            true,
	ConditionDatabaseAccess:          true,
	ConditionQuotaExceeded:           true,
	ConditionSystemSuspended:         true,
	ConditionAuthenticationFailed:    true,
	ConditionFirstAuthenticationFail: true,
}

// IsValid reports whether c is a known condition code.
func (c ConditionCode) IsValid() bool { return validConditions[c] }

// TesterType selects the condition tester used to re-test a record.
type TesterType string

const (
	TesterDefault        TesterType = "DEFAULT_TESTER"
	TesterSystem         TesterType = "SYSTEM_AVAILABLE_TESTER"
	TesterApplication    TesterType = "APPLICATION_AVAILABLE_TESTER"
	TesterServiceHealth  TesterType = "SERVICE_HEALTH_TESTER"
	TesterQuota          TesterType = "QUOTA_TESTER"
	TesterConnection     TesterType = "CONNECTION_TESTER"
	TesterAuthentication TesterType = "AUTHENTICATION_TESTER"
)

// PolicyType selects the backoff policy used between re-tests.
type PolicyType string

const (
	PolicyStepwise PolicyType = "STEPWISE_BACKOFF"
	PolicyConstant PolicyType = "CONSTANT_BACKOFF"
)

// ExpiryReason explains why a policy stopped allowing retries.
// The empty value means the policy has not expired.
type ExpiryReason string

const (
	ExpiryNone            ExpiryReason = ""
	ExpiryTimeExpired     ExpiryReason = "TIME_EXPIRED"
	ExpiryTooManyAttempts ExpiryReason = "TOO_MANY_ATTEMPTS"
)

// BlockedJob is one job waiting inside a RecoveryRecord.
type BlockedJob struct {
	RecoveryID    int64     `json:"recovery_id" db:"recovery_id"`
	JobUUID       string    `json:"job_uuid" db:"job_uuid"`
	SuccessStatus JobStatus `json:"success_status" db:"success_status"`
	StatusMessage string    `json:"status_message,omitempty" db:"status_message"`
}

// RecoveryRecord is one blocking condition and the jobs it currently blocks.
// Records sharing a TesterHash are coalesced into a single record.
type RecoveryRecord struct {
	ID               int64             `json:"id"`
	TenantID         string            `json:"tenant_id"`
	ConditionCode    ConditionCode     `json:"condition_code"`
	TesterType       TesterType        `json:"tester_type"`
	TesterParameters map[string]string `json:"tester_parameters"`
	TesterHash       string            `json:"tester_hash"`
	PolicyType       PolicyType        `json:"policy_type"`
	PolicyParameters map[string]string `json:"policy_parameters"`
	Attempts         int               `json:"attempts"`
	NextAttempt      time.Time         `json:"next_attempt"`
	CreatedAt        time.Time         `json:"created_at"`
	LastUpdated      time.Time         `json:"last_updated"`
	BlockedJobs      []BlockedJob      `json:"blocked_jobs,omitempty"`
}

// JobUUIDs returns the UUIDs of the blocked jobs in list order.
func (r *RecoveryRecord) JobUUIDs() []string {
	ids := make([]string, len(r.BlockedJobs))
	for i, bj := range r.BlockedJobs {
		ids[i] = bj.JobUUID
	}
	return ids
}

// RemoveJob removes jobUUID from the blocked list, preserving order.
// It reports whether the job was present.
func (r *RecoveryRecord) RemoveJob(jobUUID string) bool {
	for i, bj := range r.BlockedJobs {
		if bj.JobUUID == jobUUID {
			r.BlockedJobs = append(r.BlockedJobs[:i], r.BlockedJobs[i+1:]...)
			return true
		}
	}
	return false
}

// ComputeTesterHash hashes the tenant, tester type and tester parameters.
// Every field is length-prefixed so that no choice of values can make two
// different inputs encode the same way. Parameter keys are sorted so that
// map iteration order never changes the hash.
func ComputeTesterHash(tenantID string, testerType TesterType, params map[string]string) string {
	h := sha256.New()
	writeField(h, tenantID)
	writeField(h, string(testerType))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeField(h, strconv.Itoa(len(keys)))
	for _, k := range keys {
		writeField(h, k)
		writeField(h, params[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var n [binary.MaxVarintLen64]byte
	h.Write(n[:binary.PutUvarint(n[:], uint64(len(s)))])
	h.Write([]byte(s))
}
