package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ai-studychat-be/internal/entity"
	"ai-studychat-be/internal/model"
	"ai-studychat-be/internal/pkg/apperror"
	"ai-studychat-be/internal/pkg/logger"
	"ai-studychat-be/internal/repository/implementation"
	"ai-studychat-be/internal/repository/unitofwork"
	"ai-studychat-be/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func newStore(t *testing.T) (IConversationStore, *gorm.DB) {
	db := testutil.NewSQLiteDB(t)
	return NewConversationStore(unitofwork.NewRepositoryFactory(db), logger.NewNopLogger()), db
}

func defaults() entity.ConversationDefaults {
	return entity.ConversationDefaults{Title: "Explain normalization", Model: "llama3", Temperature: 0.7}
}

func textMessage(id string, role entity.MessageRole, text string, at time.Time) *entity.Message {
	return &entity.Message{Id: id, Role: role, Parts: []entity.ContentPart{entity.TextPart(text)}, CreatedAt: at}
}

func countRows(t *testing.T, db *gorm.DB, m interface{}) int64 {
	var n int64
	require.NoError(t, db.Model(m).Count(&n).Error)
	return n
}

func TestResolveOrCreate(t *testing.T) {
	store, db := newStore(t)
	ctx := context.Background()

	conv, isNew, prior, err := store.ResolveOrCreate(ctx, "c1", "u1", defaults())
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Empty(t, prior)
	assert.Equal(t, "c1", conv.Id)
	assert.Equal(t, "Explain normalization", conv.Title)

	base := time.Now()
	_, err = store.AppendMessages(ctx, "c1", []*entity.Message{
		textMessage("a1", entity.MessageRoleAssistant, "answer", base.Add(time.Second)),
		textMessage("m1", entity.MessageRoleUser, "question", base),
	})
	require.NoError(t, err)

	again, isNew, prior, err := store.ResolveOrCreate(ctx, "c1", "u1", entity.ConversationDefaults{Title: "ignored", Model: "other"})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "Explain normalization", again.Title)
	assert.Equal(t, "llama3", again.Model)
	require.Len(t, prior, 2)
	assert.Equal(t, "m1", prior[0].Id)
	assert.Equal(t, "a1", prior[1].Id)

	assert.Equal(t, int64(1), countRows(t, db, &model.Conversation{}))
}

func TestResolveOrCreateOtherUser(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, _, _, err := store.ResolveOrCreate(ctx, "c1", "u1", defaults())
	require.NoError(t, err)

	_, _, _, err = store.ResolveOrCreate(ctx, "c1", "u2", defaults())
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)
}

func TestResolveOrCreateConcurrent(t *testing.T) {
	store, db := newStore(t)
	ctx := context.Background()

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, isNew, _, err := store.ResolveOrCreate(ctx, "race", "u1", defaults())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if isNew {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, created)
	assert.Equal(t, int64(1), countRows(t, db, &model.Conversation{}))
}

// The row appears between the lookup and the insert, as when a concurrent
// request wins the creation race.
func TestResolveOrCreateLosesRace(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	ctx := context.Background()

	factory := &interceptingFactory{
		RepositoryFactory: unitofwork.NewRepositoryFactory(db),
		beforeCreate: func() {
			require.NoError(t, db.Create(&model.Conversation{Id: "c1", UserId: "u1", Title: "winner", Model: "llama3"}).Error)
		},
	}
	store := NewConversationStore(factory, logger.NewNopLogger())

	conv, isNew, _, err := store.ResolveOrCreate(ctx, "c1", "u1", defaults())
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "winner", conv.Title)
	assert.Equal(t, int64(1), countRows(t, db, &model.Conversation{}))
}

func TestAppendMessagesIsIdempotent(t *testing.T) {
	store, db := newStore(t)
	ctx := context.Background()
	_, _, _, err := store.ResolveOrCreate(ctx, "c1", "u1", defaults())
	require.NoError(t, err)

	base := time.Now()
	batch := []*entity.Message{
		textMessage("m1", entity.MessageRoleUser, "q", base),
		textMessage("a1", entity.MessageRoleAssistant, "a", base.Add(time.Millisecond)),
	}

	written, err := store.AppendMessages(ctx, "c1", batch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), written)

	written, err = store.AppendMessages(ctx, "c1", append(batch, textMessage("m2", entity.MessageRoleUser, "q2", base.Add(time.Second))))
	require.NoError(t, err)
	assert.Equal(t, int64(1), written)

	assert.Equal(t, int64(3), countRows(t, db, &model.Message{}))
}

func TestAppendMessagesWarnsOnIdFromAnotherConversation(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	core, logs := observer.New(zapcore.WarnLevel)
	store := NewConversationStore(unitofwork.NewRepositoryFactory(db), logger.NewFromZap(zap.New(core)))
	ctx := context.Background()

	for _, id := range []string{"c1", "c2"} {
		_, _, _, err := store.ResolveOrCreate(ctx, id, "u1", defaults())
		require.NoError(t, err)
	}
	base := time.Now()
	_, err := store.AppendMessages(ctx, "c1", []*entity.Message{textMessage("m1", entity.MessageRoleUser, "q", base)})
	require.NoError(t, err)

	// A plain retry in the same conversation stays quiet.
	written, err := store.AppendMessages(ctx, "c1", []*entity.Message{textMessage("m1", entity.MessageRoleUser, "q", base)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), written)
	assert.Equal(t, 0, logs.Len())

	written, err = store.AppendMessages(ctx, "c2", []*entity.Message{
		textMessage("m1", entity.MessageRoleUser, "q", base),
		textMessage("a2", entity.MessageRoleAssistant, "a", base.Add(time.Millisecond)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), written)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Message ids already stored in another conversation", entries[0].Message)
	details, ok := entries[0].ContextMap()["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "c2", details["conversation_id"])
	assert.Equal(t, []map[string]interface{}{{"message_id": "m1", "conversation_id": "c1"}}, details["collisions"])
}

func TestAppendMessagesValidation(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.AppendMessages(ctx, "c1", []*entity.Message{{Role: entity.MessageRoleUser}})
	var vErr *apperror.ValidationError
	assert.True(t, errors.As(err, &vErr))

	_, err = store.AppendMessages(ctx, "c1", []*entity.Message{{Id: "m1", ConversationId: "c2", Role: entity.MessageRoleUser}})
	assert.True(t, errors.As(err, &vErr))
}

func TestTouchUpdateTitleAndPrompt(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	conv, _, _, err := store.ResolveOrCreate(ctx, "c1", "u1", defaults())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.TouchUpdatedAt(ctx, "c1"))
	require.NoError(t, store.UpdateTitle(ctx, "c1", "Normal Forms"))
	require.NoError(t, store.SaveSystemPrompt(ctx, "c1", "You are a tutor."))

	got, err := store.GetOwned(ctx, "c1", "u1")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.After(conv.UpdatedAt))
	assert.Equal(t, "Normal Forms", got.Title)
	assert.Equal(t, "You are a tutor.", got.SystemPrompt)

	_, err = store.GetOwned(ctx, "c1", "u2")
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)
	_, err = store.GetOwned(ctx, "missing", "u1")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestListConversationsNewestFirst(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, _, err := store.ResolveOrCreate(ctx, fmt.Sprintf("c%d", i), "u1", defaults())
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	_, _, _, err := store.ResolveOrCreate(ctx, "other", "u2", defaults())
	require.NoError(t, err)
	require.NoError(t, store.TouchUpdatedAt(ctx, "c0"))

	list, err := store.ListConversations(ctx, "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c0", list[0].Id)
	assert.Equal(t, "c2", list[1].Id)
}

func TestFindUnpairedConversations(t *testing.T) {
	store, db := newStore(t)
	ctx := context.Background()
	base := time.Now()

	for _, id := range []string{"paired", "gap"} {
		_, _, _, err := store.ResolveOrCreate(ctx, id, "u1", defaults())
		require.NoError(t, err)
	}
	_, err := store.AppendMessages(ctx, "paired", []*entity.Message{
		textMessage("p-u", entity.MessageRoleUser, "q", base),
		textMessage("p-a", entity.MessageRoleAssistant, "a", base.Add(time.Millisecond)),
	})
	require.NoError(t, err)
	_, err = store.AppendMessages(ctx, "gap", []*entity.Message{
		textMessage("g-u", entity.MessageRoleUser, "q", base),
	})
	require.NoError(t, err)

	repo := implementation.NewMessageRepository(db)
	unpaired, err := repo.FindUnpairedConversations(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, unpaired, 1)
	assert.Equal(t, "gap", unpaired[0].ConversationId)
	assert.Equal(t, int64(1), unpaired[0].UserCount)
	assert.Equal(t, int64(0), unpaired[0].AssistantCount)
}
