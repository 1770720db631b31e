package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/store"
)

// newTestPool returns a pool against a migrated test database.
// In CI (CI_DATABASE_URL set): connects to the external PostgreSQL service.
// In local dev: spins up a testcontainer seeded with the schema migration.
func newTestPool(t *testing.T) *pgxpool.Pool {
	if testing.Short() {
		t.Skip("skipping postgres integration test in -short mode")
	}
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		pgContainer, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("test"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			tcpostgres.WithInitScripts("../../database/migrations/000001_init_schema.up.sql"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx))
	return pool
}

func TestStores_Postgres(t *testing.T) {
	pool := newTestPool(t)
	stores := New(pool)
	ctx := context.Background()

	t.Run("resource round trip upserts definition", func(t *testing.T) {
		fn := &models.Function{
			Namespace: "tools", Name: "fetch",
			Code: "def run(input): ...", Active: true,
		}
		require.NoError(t, stores.Resources.PutFunction(ctx, fn))

		fn.Code = "def run(input): return 2"
		require.NoError(t, stores.Resources.PutFunction(ctx, fn))

		got, err := stores.Resources.GetFunction(ctx, "tools", "fetch")
		require.NoError(t, err)
		assert.Equal(t, "def run(input): return 2", got.Code)

		_, err = stores.Resources.GetAgent(ctx, "tools", "fetch")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("execution lifecycle", func(t *testing.T) {
		rec := &models.ExecutionRecord{
			ExecutionID:       "exec-pg-1",
			FunctionNamespace: "tools",
			FunctionName:      "fetch",
			TriggerType:       models.TriggerAPI,
			UserID:            "u1",
			ChatID:            "chat-pg-1",
			Status:            models.ExecutionStatusPending,
			InputData:         json.RawMessage(`{"url":"https://example.com"}`),
		}
		require.NoError(t, stores.Executions.Create(ctx, rec))
		assert.ErrorIs(t, stores.Executions.Create(ctx, rec), store.ErrAlreadyExists)

		rec.Status = models.ExecutionStatusCompleted
		assert.ErrorIs(t, stores.Executions.Update(ctx, rec), store.ErrInvalidTransition)

		now := time.Now()
		rec.Status = models.ExecutionStatusRunning
		rec.StartedAt = &now
		require.NoError(t, stores.Executions.Update(ctx, rec))

		rec.Status = models.ExecutionStatusAwaitingInput
		rec.PausePrompt = "Need the account region"
		rec.PauseSchema = json.RawMessage(`{"type":"string"}`)
		rec.GeneratorState = []byte("cursor-1")
		require.NoError(t, stores.Executions.Update(ctx, rec))

		paused, err := stores.Executions.ListAwaitingInput(ctx, "u1", "chat-pg-1")
		require.NoError(t, err)
		require.Len(t, paused, 1)
		assert.Equal(t, "Need the account region", paused[0].PausePrompt)
		assert.Equal(t, []byte("cursor-1"), paused[0].GeneratorState)

		got, err := stores.Executions.Get(ctx, "exec-pg-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"url":"https://example.com"}`, string(got.InputData))
		assert.Equal(t, models.ExecutionStatusAwaitingInput, got.Status)
	})

	t.Run("chat transcript ordering and limit", func(t *testing.T) {
		chat := &models.Chat{
			ChatID: "chat-pg-2", UserID: "u1",
			AgentRef:   "support/triage",
			AgentInput: json.RawMessage(`{"tier":"gold"}`),
		}
		require.NoError(t, stores.Chats.CreateChat(ctx, chat))
		assert.ErrorIs(t, stores.Chats.CreateChat(ctx, chat), store.ErrAlreadyExists)

		assert.ErrorIs(t, stores.Chats.AppendMessage(ctx, &models.Message{
			MessageID: "m-none", ChatID: "missing", Role: models.RoleUser,
		}), store.ErrNotFound)

		for _, id := range []string{"m1", "m2", "m3"} {
			require.NoError(t, stores.Chats.AppendMessage(ctx, &models.Message{
				MessageID: id,
				ChatID:    "chat-pg-2",
				Role:      models.RoleUser,
				Content:   models.TextContent(id),
			}))
		}
		require.NoError(t, stores.Chats.AppendMessage(ctx, &models.Message{
			MessageID: "m4",
			ChatID:    "chat-pg-2",
			Role:      models.RoleAssistant,
			ToolCalls: []models.ToolCall{{ID: "call-1", Name: "tools__fetch", Arguments: `{"url":"x"}`}},
		}))

		all, err := stores.Chats.ListMessages(ctx, "chat-pg-2", 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "m1", all[0].MessageID)
		require.Len(t, all[3].ToolCalls, 1)
		assert.Equal(t, "tools__fetch", all[3].ToolCalls[0].Name)

		last, err := stores.Chats.ListMessages(ctx, "chat-pg-2", 2)
		require.NoError(t, err)
		require.Len(t, last, 2)
		assert.Equal(t, "m3", last[0].MessageID)
		assert.Equal(t, "m4", last[1].MessageID)
	})

	t.Run("approval decide is write-once", func(t *testing.T) {
		approval := &models.PendingApproval{
			ApprovalID:         "ap-pg-1",
			ChatID:             "chat-pg-2",
			AssistantMessageID: "m4",
			UserID:             "u1",
			ToolCallID:         "call-1",
			FunctionRef:        "tools/fetch",
			Arguments:          json.RawMessage(`{"url":"x"}`),
			AllToolCalls:       []models.ToolCall{{ID: "call-1", Name: "tools__fetch", Arguments: `{"url":"x"}`}},
			Snapshot: models.ConversationSnapshot{
				Provider: "openai", Model: "gpt-4o", Temperature: 0.2,
			},
		}
		require.NoError(t, stores.Approvals.Create(ctx, approval))

		dup := *approval
		dup.ApprovalID = "ap-pg-2"
		assert.ErrorIs(t, stores.Approvals.Create(ctx, &dup), store.ErrAlreadyExists)

		decided, err := stores.Approvals.Decide(ctx, "ap-pg-1", models.ApprovalRejected)
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalRejected, decided.Decision)
		assert.Equal(t, "gpt-4o", decided.Snapshot.Model)
		require.NotNil(t, decided.DecidedAt)

		_, err = stores.Approvals.Decide(ctx, "ap-pg-1", models.ApprovalApproved)
		assert.ErrorIs(t, err, store.ErrAlreadyDecided)
	})

	t.Run("state upsert and delete", func(t *testing.T) {
		rec := &models.StateRecord{UserID: "u1", Namespace: "crm", Key: "lead", Value: "alpha"}
		require.NoError(t, stores.State.Set(ctx, rec))
		rec.Value = "beta"
		require.NoError(t, stores.State.Set(ctx, rec))

		got, err := stores.State.Get(ctx, "u1", "crm", "lead")
		require.NoError(t, err)
		assert.Equal(t, "beta", got.Value)

		list, err := stores.State.List(ctx, "u1", "crm")
		require.NoError(t, err)
		require.Len(t, list, 1)

		require.NoError(t, stores.State.Delete(ctx, "u1", "crm", "lead"))
		assert.ErrorIs(t, stores.State.Delete(ctx, "u1", "crm", "lead"), store.ErrNotFound)
	})
}
