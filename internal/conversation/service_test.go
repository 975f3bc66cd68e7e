package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble8/nooble8/internal/actions"
	"github.com/nooble8/nooble8/internal/common/logger"
	"github.com/nooble8/nooble8/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st := store.New(store.NewMemoryStore(), logger.Default())
	return NewService(st, logger.Default()), st
}

func messageCreateAction(conversationID string) *actions.Action {
	action := actions.New(actions.TypeConversationMessageCreate, "tenant-1", "orchestrator")
	action.SessionID = "session-1"
	action.AgentID = "agent-a"
	action.Data = map[string]any{
		"conversation_id": conversationID,
		"user_message":    "Hi there",
		"agent_message":   "Hello!",
	}
	return action
}

func TestMessageCreatePersistsBothTurns(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	_, err := svc.handleMessageCreate(ctx, messageCreateAction("conv-1"))
	require.NoError(t, err)

	msgs, err := st.ConversationMessages(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0]["role"])
	assert.Equal(t, "Hi there", msgs[0]["content"])
	assert.Equal(t, "assistant", msgs[1]["role"])
	assert.Equal(t, "Hello!", msgs[1]["content"])

	// Second turn reuses the conversation row.
	_, err = svc.handleMessageCreate(ctx, messageCreateAction("conv-1"))
	require.NoError(t, err)
	msgs, err = st.ConversationMessages(ctx, "conv-1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)

	rows, err := st.Rows().Select(ctx, store.TableConversations, store.Filter{"id": "conv-1"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestMessageCreateSkipsMalformed(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	action := messageCreateAction("conv-2")
	delete(action.Data, "agent_message")

	result, err := svc.handleMessageCreate(ctx, action)
	assert.NoError(t, err)
	assert.Nil(t, result)

	msgs, err := st.ConversationMessages(ctx, "conv-2", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSessionClosedDeactivates(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	_, err := svc.handleMessageCreate(ctx, messageCreateAction("conv-3"))
	require.NoError(t, err)

	action := actions.New(actions.TypeConversationSessionClosed, "tenant-1", "gateway")
	action.SessionID = "session-1"
	action.AgentID = "agent-a"
	_, err = svc.handleSessionClosed(ctx, action)
	require.NoError(t, err)

	rows, err := st.Rows().Select(ctx, store.TableConversations, store.Filter{"id": "conv-3"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, false, rows[0]["is_active"])
	assert.NotNil(t, rows[0]["ended_at"])

	// Closing again finds nothing active; still no error.
	_, err = svc.handleSessionClosed(ctx, action)
	assert.NoError(t, err)
}

func TestSessionClosedWithoutSessionIsSkipped(t *testing.T) {
	svc, _ := newTestService(t)
	action := actions.New(actions.TypeConversationSessionClosed, "tenant-1", "gateway")
	_, err := svc.handleSessionClosed(context.Background(), action)
	assert.NoError(t, err)
}
