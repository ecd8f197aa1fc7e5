package natskv

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

// Key layout of the recovery bucket.
const (
	recordPrefix = "rec."
	hashPrefix   = "hash."

	seqRecords = "records"
	seqBlocked = "blocked"
)

func recordKey(id int64) string { return recordPrefix + strconv.FormatInt(id, 10) }

func hashKey(hash string) string { return hashPrefix + hash }

func parseRecordKey(key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, recordPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	return id, err == nil
}

// recordState is the JSON stored for a recovery record. Blocked jobs live in
// their own bucket.
type recordState struct {
	ID               int64             `json:"id"`
	TenantID         string            `json:"tenant_id"`
	ConditionCode    string            `json:"condition_code"`
	TesterType       string            `json:"tester_type"`
	TesterParameters map[string]string `json:"tester_parameters,omitempty"`
	TesterHash       string            `json:"tester_hash"`
	PolicyType       string            `json:"policy_type"`
	PolicyParameters map[string]string `json:"policy_parameters,omitempty"`
	Attempts         int               `json:"attempts"`
	NextAttempt      time.Time         `json:"next_attempt"`
	CreatedAt        time.Time         `json:"created_at"`
	LastUpdated      time.Time         `json:"last_updated"`
}

func recordToState(rec *core.RecoveryRecord) *recordState {
	return &recordState{
		ID:               rec.ID,
		TenantID:         rec.TenantID,
		ConditionCode:    string(rec.ConditionCode),
		TesterType:       string(rec.TesterType),
		TesterParameters: rec.TesterParameters,
		TesterHash:       rec.TesterHash,
		PolicyType:       string(rec.PolicyType),
		PolicyParameters: rec.PolicyParameters,
		Attempts:         rec.Attempts,
		NextAttempt:      rec.NextAttempt,
		CreatedAt:        rec.CreatedAt,
		LastUpdated:      rec.LastUpdated,
	}
}

func stateToRecord(s *recordState) core.RecoveryRecord {
	return core.RecoveryRecord{
		ID:               s.ID,
		TenantID:         s.TenantID,
		ConditionCode:    core.ConditionCode(s.ConditionCode),
		TesterType:       core.TesterType(s.TesterType),
		TesterParameters: s.TesterParameters,
		TesterHash:       s.TesterHash,
		PolicyType:       core.PolicyType(s.PolicyType),
		PolicyParameters: s.PolicyParameters,
		Attempts:         s.Attempts,
		NextAttempt:      s.NextAttempt,
		CreatedAt:        s.CreatedAt,
		LastUpdated:      s.LastUpdated,
	}
}

// blockedState is the JSON stored per blocked job, keyed by job UUID.
type blockedState struct {
	core.BlockedJob
	Seq int64 `json:"seq"`
}

// Job documents are owned by the job service. Recovery decodes the fields
// it needs and patches status fields in place, keeping everything else.
const (
	fieldStatus        = "status"
	fieldStatusMessage = "status_message"
	fieldLastUpdated   = "last_updated"
)

func unmarshalJob(data []byte) (*core.Job, error) {
	var job core.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, errors.Wrap(err, "decode job")
	}
	return &job, nil
}

// patchJobStatus rewrites the status fields of a raw job document.
func patchJobStatus(data []byte, status core.JobStatus, message string, now time.Time) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "decode job")
	}
	set := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		doc[key] = raw
		return nil
	}
	if err := set(fieldStatus, status); err != nil {
		return nil, err
	}
	if err := set(fieldStatusMessage, message); err != nil {
		return nil, err
	}
	if err := set(fieldLastUpdated, core.FormatTime(now)); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func marshalBlocked(st *blockedState) ([]byte, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, errors.Wrapf(err, "encode blocked job %s", st.JobUUID)
	}
	return data, nil
}

func marshalID(id int64) ([]byte, error) {
	return json.Marshal(id)
}
