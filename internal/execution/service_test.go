package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble8/nooble8/internal/actions"
	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
	"github.com/nooble8/nooble8/internal/llm"
	"github.com/nooble8/nooble8/internal/store"
	"github.com/nooble8/nooble8/internal/vector"
)

func newTestService(t *testing.T, model *llm.StaticLLM) (*Service, *vector.Index, *store.Store) {
	t.Helper()
	log := logger.Default()
	st := store.New(store.NewMemoryStore(), log)
	index := vector.NewIndex(vector.NewMemoryDriver(), "documents", 8, log)
	require.NoError(t, index.EnsureReady(context.Background()))
	return NewService(model, &llm.HashEmbedder{}, index, st, log), index, st
}

func chatAction(taskID string) *actions.Action {
	action := actions.New(actions.TypeExecutionChatSimple, "tenant-1", "orchestrator")
	action.TaskID = taskID
	action.SessionID = "session-1"
	action.AgentID = "agent-a"
	action.Data = map[string]any{"message": "What is the answer?"}
	return action
}

func TestChatWithoutRAG(t *testing.T) {
	model := &llm.StaticLLM{Response: "The answer is 42."}
	svc, _, _ := newTestService(t, model)

	result, err := svc.handleChat(context.Background(), chatAction("task-1"))
	require.NoError(t, err)
	assert.Equal(t, "The answer is 42.", result["response"])
	assert.Empty(t, result["sources"])

	usage, ok := result["usage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 15, usage["total_tokens"])

	// System prompt first, user message last.
	require.Len(t, model.Calls, 1)
	msgs := model.Calls[0].Messages
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, llm.RoleUser, msgs[len(msgs)-1].Role)
	assert.Equal(t, "What is the answer?", msgs[len(msgs)-1].Content)
}

func TestChatRequiresMessage(t *testing.T) {
	svc, _, _ := newTestService(t, &llm.StaticLLM{})
	action := chatAction("task-1")
	action.Data = nil
	_, err := svc.handleChat(context.Background(), action)
	assert.True(t, apperrors.IsValidation(err))
}

func TestChatWithRetrieval(t *testing.T) {
	model := &llm.StaticLLM{Response: "Grounded answer."}
	svc, index, _ := newTestService(t, model)
	ctx := context.Background()

	embedder := &llm.HashEmbedder{}
	vecs, err := embedder.EmbedBatch(ctx, llm.EmbedRequest{Texts: []string{"What is the answer?"}, Dimensions: 8})
	require.NoError(t, err)

	// A chunk embedded identically to the query scores 1.0.
	_, err = index.Upsert(ctx, "tenant-1", []vector.Point{{
		ID:     "chunk-1",
		Vector: vecs[0],
		Payload: map[string]any{
			vector.FieldCollectionID: "default",
			vector.FieldAgentIDs:     []string{"agent-a"},
			vector.FieldDocumentID:   "doc-1",
			"content":                "The documented answer.",
		},
	}})
	require.NoError(t, err)

	action := chatAction("task-2")
	action.RAGConfig = &actions.RAGConfig{EmbeddingDimensions: 8, TopK: 3}
	action.QueryConfig = &actions.QueryConfig{SystemPromptTemplate: "Use this: {context}"}

	result, err := svc.handleChat(ctx, action)
	require.NoError(t, err)

	sources, ok := result["sources"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, sources, 1)
	assert.Equal(t, "chunk-1", sources[0]["chunk_id"])
	assert.Equal(t, "doc-1", sources[0]["document_id"])
	assert.Equal(t, "The documented answer.", sources[0]["content"])

	require.Len(t, model.Calls, 1)
	assert.Contains(t, model.Calls[0].Messages[0].Content, "The documented answer.")
	assert.NotContains(t, model.Calls[0].Messages[0].Content, "{context}")
}

func TestChatRetrievalScopedToAgent(t *testing.T) {
	model := &llm.StaticLLM{Response: "ok"}
	svc, index, _ := newTestService(t, model)
	ctx := context.Background()

	embedder := &llm.HashEmbedder{}
	vecs, err := embedder.EmbedBatch(ctx, llm.EmbedRequest{Texts: []string{"What is the answer?"}, Dimensions: 8})
	require.NoError(t, err)

	_, err = index.Upsert(ctx, "tenant-1", []vector.Point{{
		ID:     "chunk-other",
		Vector: vecs[0],
		Payload: map[string]any{
			vector.FieldCollectionID: "default",
			vector.FieldAgentIDs:     []string{"agent-z"},
			"content":                "Not for this agent.",
		},
	}})
	require.NoError(t, err)

	action := chatAction("task-3")
	action.RAGConfig = &actions.RAGConfig{EmbeddingDimensions: 8}

	result, err := svc.handleChat(ctx, action)
	require.NoError(t, err)
	assert.Empty(t, result["sources"])
}

func TestChatIncludesHistory(t *testing.T) {
	model := &llm.StaticLLM{Response: "ok"}
	svc, _, st := newTestService(t, model)
	ctx := context.Background()

	require.NoError(t, st.UpsertConversation(ctx, store.Conversation{
		ID: "session-1", TenantID: "tenant-1", SessionID: "session-1", AgentID: "agent-a",
	}))
	require.NoError(t, st.InsertMessage(ctx, store.Message{ConversationID: "session-1", Role: "user", Content: "Earlier question"}))
	require.NoError(t, st.InsertMessage(ctx, store.Message{ConversationID: "session-1", Role: "assistant", Content: "Earlier answer"}))

	_, err := svc.handleChat(ctx, chatAction("task-4"))
	require.NoError(t, err)

	require.Len(t, model.Calls, 1)
	msgs := model.Calls[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "Earlier question", msgs[1].Content)
	assert.Equal(t, "Earlier answer", msgs[2].Content)
}

func TestCancelBeforeChat(t *testing.T) {
	model := &llm.StaticLLM{Response: "never"}
	svc, _, _ := newTestService(t, model)
	ctx := context.Background()

	cancel := actions.New(actions.TypeExecutionTaskCancel, "tenant-1", "orchestrator")
	cancel.Data = map[string]any{"task_id": "task-5"}
	_, err := svc.handleCancel(ctx, cancel)
	require.NoError(t, err)

	_, err = svc.handleChat(ctx, chatAction("task-5"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeCancelled, apperrors.Code(err))
	assert.Empty(t, model.Calls)

	// The flag is consumed; the same task id runs afterwards.
	_, err = svc.handleChat(ctx, chatAction("task-5"))
	assert.NoError(t, err)
}

func TestCancelRequiresTaskID(t *testing.T) {
	svc, _, _ := newTestService(t, &llm.StaticLLM{})
	cancel := actions.New(actions.TypeExecutionTaskCancel, "tenant-1", "orchestrator")
	_, err := svc.handleCancel(context.Background(), cancel)
	assert.True(t, apperrors.IsValidation(err))
}

func TestRenderSystemPrompt(t *testing.T) {
	sources := []Source{{Content: "fact one"}, {Content: "fact two"}}

	rendered := renderSystemPrompt("Before {context} after", sources)
	assert.Contains(t, rendered, "fact one")
	assert.Contains(t, rendered, "fact two")
	assert.NotContains(t, rendered, "{context}")

	appended := renderSystemPrompt("No placeholder.", sources)
	assert.Contains(t, appended, "No placeholder.")
	assert.Contains(t, appended, "Relevant context:")

	empty := renderSystemPrompt("Keep {context} tidy", nil)
	assert.Equal(t, "Keep  tidy", empty)
}
