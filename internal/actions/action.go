// Package actions defines the domain action envelope, the sole unit of
// inter-service work, together with the typed config blocks it carries.
package actions

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Recognized action types. The set is closed: the worker runtime refuses to
// dispatch anything outside it.
const (
	TypeIngestionDocumentProcess = "ingestion.document.process"
	TypeIngestionDocumentStatus  = "ingestion.document.status"
	TypeIngestionAgentsUpdate    = "ingestion.document.agents.update"
	TypeIngestionEmbeddingDone   = "ingestion.embedding_callback"

	TypeEmbeddingBatchProcess = "embedding.batch_process"

	TypeExecutionChatSimple  = "execution.chat.simple"
	TypeExecutionChatAdvance = "execution.chat.advance"
	TypeExecutionTaskCancel  = "execution.task.cancel"

	TypeOrchestratorChatResponse     = "orchestrator.chat.response"
	TypeOrchestratorConfigInvalidate = "orchestrator.config.invalidate"

	TypeConversationMessageCreate = "conversation.message.create"
	TypeConversationSessionClosed = "conversation.session.closed"
)

// knownTypes lists every routable action type.
var knownTypes = map[string]bool{
	TypeIngestionDocumentProcess:     true,
	TypeIngestionDocumentStatus:      true,
	TypeIngestionAgentsUpdate:        true,
	TypeIngestionEmbeddingDone:       true,
	TypeEmbeddingBatchProcess:        true,
	TypeExecutionChatSimple:          true,
	TypeExecutionChatAdvance:         true,
	TypeExecutionTaskCancel:          true,
	TypeOrchestratorChatResponse:     true,
	TypeOrchestratorConfigInvalidate: true,
	TypeConversationMessageCreate:    true,
	TypeConversationSessionClosed:    true,
}

// IsKnownType reports whether actionType belongs to the closed action set.
func IsKnownType(actionType string) bool {
	return knownTypes[actionType]
}

// Action is the wire envelope for inter-service work. action_type is the sole
// routing key; when CallbackActionType is set the recipient must produce
// exactly one action of that type carrying the same task_id.
type Action struct {
	ActionID           string           `json:"action_id"`
	ActionType         string           `json:"action_type"`
	TenantID           string           `json:"tenant_id"`
	SessionID          string           `json:"session_id,omitempty"`
	TaskID             string           `json:"task_id,omitempty"`
	AgentID            string           `json:"agent_id,omitempty"`
	UserID             string           `json:"user_id,omitempty"`
	OriginService      string           `json:"origin_service"`
	CallbackActionType string           `json:"callback_action_type,omitempty"`
	ExecutionConfig    *ExecutionConfig `json:"execution_config,omitempty"`
	QueryConfig        *QueryConfig     `json:"query_config,omitempty"`
	RAGConfig          *RAGConfig       `json:"rag_config,omitempty"`
	Data               map[string]any   `json:"data,omitempty"`
	Metadata           map[string]any   `json:"metadata,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`

	// extra holds fields from newer peers that this version does not model.
	// They survive a decode/encode round trip untouched.
	extra map[string]json.RawMessage
}

// New creates an action of the given type with a fresh action_id.
func New(actionType, tenantID, originService string) *Action {
	return &Action{
		ActionID:      uuid.New().String(),
		ActionType:    actionType,
		TenantID:      tenantID,
		OriginService: originService,
		CreatedAt:     time.Now().UTC(),
	}
}

// knownFields are the envelope keys owned by this version.
var knownFields = map[string]bool{
	"action_id": true, "action_type": true, "tenant_id": true,
	"session_id": true, "task_id": true, "agent_id": true, "user_id": true,
	"origin_service": true, "callback_action_type": true,
	"execution_config": true, "query_config": true, "rag_config": true,
	"data": true, "metadata": true, "created_at": true,
}

type actionAlias Action

// UnmarshalJSON decodes the known envelope fields and preserves everything
// else opaquely so services at different versions stay compatible.
func (a *Action) UnmarshalJSON(b []byte) error {
	var alias actionAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownFields[k] {
			delete(raw, k)
		}
	}

	*a = Action(alias)
	if len(raw) > 0 {
		a.extra = raw
	}
	return nil
}

// MarshalJSON encodes the envelope, merging back any preserved unknown fields.
func (a *Action) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal((*actionAlias)(a))
	if err != nil {
		return nil, err
	}
	if len(a.extra) == 0 {
		return b, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range a.extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// DataString returns a string value from the opaque data map.
func (a *Action) DataString(key string) string {
	if a.Data == nil {
		return ""
	}
	s, _ := a.Data[key].(string)
	return s
}

// MetaString returns a string value from the metadata map.
func (a *Action) MetaString(key string) string {
	if a.Metadata == nil {
		return ""
	}
	s, _ := a.Metadata[key].(string)
	return s
}

// SetMeta stores a metadata value, allocating the map on first use.
func (a *Action) SetMeta(key string, value any) {
	if a.Metadata == nil {
		a.Metadata = make(map[string]any)
	}
	a.Metadata[key] = value
}

// Reply builds the callback action for this request: same task and tenant
// context, type taken from CallbackActionType, the given payload as data.
func (a *Action) Reply(originService string, data map[string]any) *Action {
	reply := New(a.CallbackActionType, a.TenantID, originService)
	reply.SessionID = a.SessionID
	reply.TaskID = a.TaskID
	reply.AgentID = a.AgentID
	reply.UserID = a.UserID
	reply.Data = data
	return reply
}
