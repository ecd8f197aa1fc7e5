package core

import (
	"encoding/json"
	"fmt"
)

// MessageType is the discriminator carried in every recovery message.
type MessageType string

const (
	MsgRecover         MessageType = "RECOVER"
	MsgCancelRecover   MessageType = "CANCEL_RECOVER"
	MsgRecoverShutdown MessageType = "RECOVER_SHUTDOWN"
)

type envelope struct {
	MsgType MessageType `json:"msgType"`
}

// RecoverMsg asks recovery to track a newly blocked job.
type RecoverMsg struct {
	MsgType          MessageType       `json:"msgType"`
	JobUUID          string            `json:"jobUuid"`
	TenantID         string            `json:"tenantId"`
	ConditionCode    ConditionCode     `json:"conditionCode"`
	TesterType       TesterType        `json:"testerType"`
	TesterParameters map[string]string `json:"testerParameters"`
	PolicyType       PolicyType        `json:"policyType"`
	PolicyParameters map[string]string `json:"policyParameters"`
	SuccessStatus    JobStatus         `json:"successStatus,omitempty"`
	StatusMessage    string            `json:"statusMessage,omitempty"`
}

// CancelRecoverMsg asks recovery to drop a job and set a terminal status.
type CancelRecoverMsg struct {
	MsgType       MessageType `json:"msgType"`
	JobUUID       string      `json:"jobUuid"`
	TenantID      string      `json:"tenantId,omitempty"`
	NewStatus     JobStatus   `json:"newStatus"`
	StatusMessage string      `json:"statusMessage"`
}

// RecoverShutdownMsg asks the reader bound to QueueName to stop.
type RecoverShutdownMsg struct {
	MsgType   MessageType `json:"msgType"`
	QueueName string      `json:"queueName"`
	Force     bool        `json:"force"`
}

// DecodeMessage parses data into one of the recovery message types and
// validates it. The returned value is a *RecoverMsg, *CancelRecoverMsg or
// *RecoverShutdownMsg.
func DecodeMessage(data []byte) (any, *RecoveryError) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, NewInvalidRequestError("Malformed recovery message.", map[string]any{"error": err.Error()})
	}

	switch env.MsgType {
	case MsgRecover:
		var msg RecoverMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, NewInvalidRequestError("Malformed RECOVER message.", map[string]any{"error": err.Error()})
		}
		if verr := msg.Validate(); verr != nil {
			return nil, verr
		}
		return &msg, nil
	case MsgCancelRecover:
		var msg CancelRecoverMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, NewInvalidRequestError("Malformed CANCEL_RECOVER message.", map[string]any{"error": err.Error()})
		}
		if msg.JobUUID == "" {
			return nil, NewValidationError("jobUuid is required.", map[string]any{"field": "jobUuid"})
		}
		return &msg, nil
	case MsgRecoverShutdown:
		var msg RecoverShutdownMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, NewInvalidRequestError("Malformed RECOVER_SHUTDOWN message.", map[string]any{"error": err.Error()})
		}
		return &msg, nil
	case "":
		return nil, NewInvalidRequestError("Missing msgType.", nil)
	default:
		return nil, NewInvalidRequestError(
			fmt.Sprintf("Unknown msgType '%s'.", env.MsgType),
			map[string]any{"msgType": string(env.MsgType)},
		)
	}
}

// Validate checks required fields and enum values, and fills defaults.
func (m *RecoverMsg) Validate() *RecoveryError {
	if m.JobUUID == "" {
		return NewValidationError("jobUuid is required.", map[string]any{"field": "jobUuid"})
	}
	if m.TenantID == "" {
		return NewValidationError("tenantId is required.", map[string]any{"field": "tenantId"})
	}
	if !m.ConditionCode.IsValid() {
		return NewValidationError(
			fmt.Sprintf("Invalid conditionCode '%s'.", m.ConditionCode),
			map[string]any{"field": "conditionCode"},
		)
	}
	if m.TesterType == "" {
		return NewValidationError("testerType is required.", map[string]any{"field": "testerType"})
	}
	if m.PolicyType == "" {
		return NewValidationError("policyType is required.", map[string]any{"field": "policyType"})
	}
	if m.SuccessStatus == "" {
		m.SuccessStatus = StatusPending
	}
	if !m.SuccessStatus.IsValid() || m.SuccessStatus.IsTerminal() || m.SuccessStatus == StatusBlocked {
		return NewValidationError(
			fmt.Sprintf("Invalid successStatus '%s'.", m.SuccessStatus),
			map[string]any{"field": "successStatus"},
		)
	}
	if m.TesterParameters == nil {
		m.TesterParameters = map[string]string{}
	}
	if m.PolicyParameters == nil {
		m.PolicyParameters = map[string]string{}
	}
	return nil
}
