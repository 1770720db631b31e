package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/store"
)

func TestResourceStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewResourceStore()

	_, err := s.GetFunction(ctx, "tools", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	fn := &models.Function{
		Namespace:        "tools",
		Name:             "send-email",
		Code:             "def run(input): ...",
		Active:           true,
		RequiresApproval: true,
	}
	require.NoError(t, s.PutFunction(ctx, fn))

	got, err := s.GetFunction(ctx, "tools", "send-email")
	require.NoError(t, err)
	assert.Equal(t, "tools/send-email", got.Ref())
	assert.True(t, got.RequiresApproval)

	// Mutating the returned copy must not affect the stored record.
	got.Active = false
	again, err := s.GetFunction(ctx, "tools", "send-email")
	require.NoError(t, err)
	assert.True(t, again.Active)
}

func TestResourceStore_PutOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewResourceStore()

	require.NoError(t, s.PutAgent(ctx, &models.Agent{
		Namespace: "support", Name: "triage", SystemPrompt: "v1",
	}))
	require.NoError(t, s.PutAgent(ctx, &models.Agent{
		Namespace: "support", Name: "triage", SystemPrompt: "v2",
	}))

	got, err := s.GetAgent(ctx, "support", "triage")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.SystemPrompt)
}

func TestExecutionStore_CreateIsIdempotencyGate(t *testing.T) {
	ctx := context.Background()
	s := NewExecutionStore()

	rec := &models.ExecutionRecord{
		ExecutionID:       "exec-1",
		FunctionNamespace: "tools",
		FunctionName:      "fetch",
		TriggerType:       models.TriggerAPI,
		UserID:            "u1",
		Status:            models.ExecutionStatusPending,
	}
	require.NoError(t, s.Create(ctx, rec))
	assert.ErrorIs(t, s.Create(ctx, rec), store.ErrAlreadyExists)
}

func TestExecutionStore_UpdateEnforcesTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewExecutionStore()

	rec := &models.ExecutionRecord{
		ExecutionID: "exec-1",
		UserID:      "u1",
		Status:      models.ExecutionStatusPending,
	}
	require.NoError(t, s.Create(ctx, rec))

	// pending -> completed skips running and must be rejected.
	rec.Status = models.ExecutionStatusCompleted
	assert.ErrorIs(t, s.Update(ctx, rec), store.ErrInvalidTransition)

	rec.Status = models.ExecutionStatusRunning
	require.NoError(t, s.Update(ctx, rec))

	rec.Status = models.ExecutionStatusCompleted
	rec.OutputData = json.RawMessage(`{"ok":true}`)
	require.NoError(t, s.Update(ctx, rec))

	got, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.OutputData))

	// Terminal states never transition.
	rec.Status = models.ExecutionStatusRunning
	assert.ErrorIs(t, s.Update(ctx, rec), store.ErrInvalidTransition)
}

func TestExecutionStore_ListAwaitingInput(t *testing.T) {
	ctx := context.Background()
	s := NewExecutionStore()

	mk := func(id, userID, chatID string, status models.ExecutionStatus, created time.Time) {
		require.NoError(t, s.Create(ctx, &models.ExecutionRecord{
			ExecutionID: id,
			UserID:      userID,
			ChatID:      chatID,
			Status:      status,
			CreatedAt:   created,
		}))
	}
	base := time.Now()
	mk("e1", "u1", "c1", models.ExecutionStatusAwaitingInput, base.Add(2*time.Second))
	mk("e2", "u1", "c1", models.ExecutionStatusAwaitingInput, base.Add(time.Second))
	mk("e3", "u1", "c1", models.ExecutionStatusRunning, base)
	mk("e4", "u2", "c1", models.ExecutionStatusAwaitingInput, base)
	mk("e5", "u1", "c2", models.ExecutionStatusAwaitingInput, base)

	got, err := s.ListAwaitingInput(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[0].ExecutionID)
	assert.Equal(t, "e1", got[1].ExecutionID)
}

func TestChatStore_MessagesOrderedWithLimit(t *testing.T) {
	ctx := context.Background()
	s := NewChatStore()

	assert.ErrorIs(t, s.AppendMessage(ctx, &models.Message{
		MessageID: "m0", ChatID: "nope", Role: models.RoleUser,
	}), store.ErrNotFound)

	chat := &models.Chat{ChatID: "c1", UserID: "u1", AgentRef: "support/triage"}
	require.NoError(t, s.CreateChat(ctx, chat))
	assert.ErrorIs(t, s.CreateChat(ctx, chat), store.ErrAlreadyExists)

	base := time.Now()
	for i, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendMessage(ctx, &models.Message{
			MessageID: text,
			ChatID:    "c1",
			Role:      models.RoleUser,
			Content:   models.TextContent(text),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := s.ListMessages(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "one", all[0].PlainText())

	// limit keeps the newest messages, still ascending.
	last, err := s.ListMessages(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "two", last[0].PlainText())
	assert.Equal(t, "three", last[1].PlainText())
}

func TestApprovalStore_DecisionsAreImmutable(t *testing.T) {
	ctx := context.Background()
	s := NewApprovalStore()

	approval := &models.PendingApproval{
		ApprovalID:  "ap-1",
		ChatID:      "c1",
		UserID:      "u1",
		ToolCallID:  "call-1",
		FunctionRef: "tools/send-email",
		Snapshot: models.ConversationSnapshot{
			Provider: "openai", Model: "gpt-4o",
		},
	}
	require.NoError(t, s.Create(ctx, approval))

	// Same tool call may never get a second approval.
	dup := *approval
	dup.ApprovalID = "ap-2"
	assert.ErrorIs(t, s.Create(ctx, &dup), store.ErrAlreadyExists)

	decided, err := s.Decide(ctx, "ap-1", models.ApprovalApproved)
	require.NoError(t, err)
	assert.True(t, decided.Decided())
	require.NotNil(t, decided.DecidedAt)

	_, err = s.Decide(ctx, "ap-1", models.ApprovalRejected)
	assert.ErrorIs(t, err, store.ErrAlreadyDecided)

	got, err := s.Get(ctx, "ap-1")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, got.Decision)
}

func TestStateStore_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	s := NewStateStore()

	set := func(user, ns, key, value string) {
		require.NoError(t, s.Set(ctx, &models.StateRecord{
			UserID: user, Namespace: ns, Key: key, Value: value,
		}))
	}
	set("u1", "crm", "lead", "alpha")
	set("u1", "crm", "lead", "beta")
	set("u1", "crm", "stage", "qualified")
	set("u2", "crm", "lead", "other-user")

	got, err := s.Get(ctx, "u1", "crm", "lead")
	require.NoError(t, err)
	assert.Equal(t, "beta", got.Value)

	list, err := s.List(ctx, "u1", "crm")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "lead", list[0].Key)
	assert.Equal(t, "stage", list[1].Key)

	require.NoError(t, s.Delete(ctx, "u1", "crm", "lead"))
	assert.ErrorIs(t, s.Delete(ctx, "u1", "crm", "lead"), store.ErrNotFound)
	_, err = s.Get(ctx, "u1", "crm", "lead")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
