package bus

import (
	"encoding/json"

	"github.com/petrijr/conveyor/pkg/api"
)

// MessageType distinguishes the two outbound replies a processed task
// produces.
type MessageType string

const (
	// MessageAck is sent immediately on dispatch, before any work starts.
	MessageAck MessageType = "ACK"

	// MessageTask is sent on completion, carrying the same correlation
	// fields as the dispatch message.
	MessageTask MessageType = "TASK"
)

// Envelope is the wire schema of every task-processing message.
type Envelope struct {
	CorrelationID       string      `json:"correlationId"`
	LogID               string      `json:"workflowProcessingLogId"`
	StashID             string      `json:"stashId"`
	ArtefactID          string      `json:"artefactId"`
	TaskProcessingID    string      `json:"taskProcessingId"`
	TaskQueueName       string      `json:"taskQueueName"`
	ReplyToQueueName    string      `json:"replyToQueueName"`
	ProcessingStageName string      `json:"processingStageName"`
	Type                MessageType `json:"messageType"`
}

// EncodeEnvelope serializes an envelope as JSON.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a queue payload. Any validation
// failure is an api.MalformedMessageError so callers can route the
// payload down the poison-message path instead of the transient one.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &api.MalformedMessageError{Field: "body", Reason: "is not valid JSON"}
	}

	switch {
	case e.CorrelationID == "":
		return nil, &api.MalformedMessageError{Field: "correlationId", Reason: "is required"}
	case e.TaskProcessingID == "":
		return nil, &api.MalformedMessageError{Field: "taskProcessingId", Reason: "is required"}
	case e.ReplyToQueueName == "":
		return nil, &api.MalformedMessageError{Field: "replyToQueueName", Reason: "is required"}
	}

	switch e.Type {
	case MessageAck, MessageTask:
	default:
		return nil, &api.MalformedMessageError{Field: "messageType", Reason: "must be ACK or TASK"}
	}

	return &e, nil
}

// Reply returns a copy of the envelope retagged as the given message
// type, preserving every correlation field.
func (e Envelope) Reply(t MessageType) Envelope {
	r := e
	r.Type = t
	return r
}
