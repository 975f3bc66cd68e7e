package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble8/nooble8/internal/actions"
	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryBus {
	t.Helper()
	b := NewMemoryBus(logger.Default())
	t.Cleanup(b.Close)
	return b
}

func TestSendAndReceive(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	a := actions.New(actions.TypeIngestionDocumentProcess, "tenant-1", "api")
	a.Data = map[string]any{"document_id": "doc-1"}
	require.NoError(t, b.Send(ctx, a))

	got, err := b.Receive(ctx, []string{actions.TypeIngestionDocumentProcess}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.ActionID, got.ActionID)
	assert.Equal(t, "doc-1", got.DataString("document_id"))
}

func TestReceiveTimeoutReturnsNil(t *testing.T) {
	b := newTestBus(t)

	got, err := b.Receive(context.Background(), []string{actions.TypeExecutionChatSimple}, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReceiveOnlyNamedQueues(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	other := actions.New(actions.TypeConversationMessageCreate, "tenant-1", "orchestrator")
	other.Data = map[string]any{"k": "v"}
	require.NoError(t, b.Send(ctx, other))

	got, err := b.Receive(ctx, []string{actions.TypeExecutionChatSimple}, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSendWithCallbackSetsType(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	a := actions.New(actions.TypeExecutionChatSimple, "tenant-1", "orchestrator")
	a.Data = map[string]any{"message": "hello"}
	require.NoError(t, b.SendWithCallback(ctx, a, actions.TypeOrchestratorChatResponse))

	got, err := b.Receive(ctx, []string{actions.TypeExecutionChatSimple}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, actions.TypeOrchestratorChatResponse, got.CallbackActionType)
}

func TestSendAndWaitRoundTrip(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	// Consumer side: receive the request and reply through the bus.
	go func() {
		req, err := b.Receive(ctx, []string{actions.TypeIngestionDocumentStatus}, time.Second)
		if err != nil || req == nil {
			return
		}
		reply := actions.New(actions.TypeIngestionDocumentStatus, req.TenantID, "ingestion")
		reply.Data = map[string]any{"status": "completed"}
		_ = b.Reply(ctx, req, reply)
	}()

	req := actions.New(actions.TypeIngestionDocumentStatus, "tenant-1", "api")
	req.Data = map[string]any{"task_id": "task-1"}
	reply, err := b.SendAndWait(ctx, req, time.Second)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "completed", reply.DataString("status"))
}

func TestSendAndWaitTimeout(t *testing.T) {
	b := newTestBus(t)

	req := actions.New(actions.TypeIngestionDocumentStatus, "tenant-1", "api")
	req.Data = map[string]any{"task_id": "task-1"}
	_, err := b.SendAndWait(context.Background(), req, 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, apperrors.IsTimeout(err))
}

func TestIsSyncRequest(t *testing.T) {
	a := actions.New(actions.TypeIngestionDocumentStatus, "tenant-1", "api")
	assert.False(t, IsSyncRequest(a))
	a.SetMeta(replyQueueMetaKey, "somewhere")
	assert.True(t, IsSyncRequest(a))
}

func TestReplyToAsyncRequestIsNoop(t *testing.T) {
	b := newTestBus(t)
	req := actions.New(actions.TypeConversationMessageCreate, "tenant-1", "orchestrator")
	reply := actions.New(actions.TypeConversationMessageCreate, "tenant-1", "conversation")
	assert.NoError(t, b.Reply(context.Background(), req, reply))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, backoff(0))
	assert.Equal(t, 2*time.Second, backoff(1))
	assert.Equal(t, 4*time.Second, backoff(2))
	assert.Equal(t, 10*time.Second, backoff(5))
}
