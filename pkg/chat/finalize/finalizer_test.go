package finalize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ai-studychat-be/internal/entity"
	"ai-studychat-be/internal/model"
	"ai-studychat-be/internal/pkg/logger"
	"ai-studychat-be/internal/repository/contract"
	"ai-studychat-be/internal/repository/implementation"
	"ai-studychat-be/internal/repository/specification"
	"ai-studychat-be/internal/testutil"
	"ai-studychat-be/pkg/chat/stream"
	"ai-studychat-be/pkg/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type repoStore struct {
	conversations contract.ConversationRepository
	messages      contract.MessageRepository
	failAppend    error
	failTouch     error
	touched       int
}

func (s *repoStore) AppendMessages(ctx context.Context, conversationId string, messages []*entity.Message) (int64, error) {
	if s.failAppend != nil {
		return 0, s.failAppend
	}
	return s.messages.CreateIfAbsent(ctx, messages)
}

func (s *repoStore) TouchUpdatedAt(ctx context.Context, conversationId string) error {
	if s.failTouch != nil {
		return s.failTouch
	}
	s.touched++
	return s.conversations.TouchUpdatedAt(ctx, conversationId, time.Now())
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) ofType(t string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

func setup(t *testing.T) (*repoStore, *gorm.DB) {
	db := testutil.NewSQLiteDB(t)
	require.NoError(t, db.Create(&model.Conversation{Id: "c1", UserId: "u1", Title: "t", Model: "llama3"}).Error)
	return &repoStore{
		conversations: implementation.NewConversationRepository(db),
		messages:      implementation.NewMessageRepository(db),
	}, db
}

func msg(id string, role entity.MessageRole, at time.Time) *entity.Message {
	return &entity.Message{
		Id:             id,
		ConversationId: "c1",
		Role:           role,
		Parts:          []entity.ContentPart{entity.TextPart(id)},
		CreatedAt:      at,
	}
}

func priorTurns(base time.Time) []*entity.Message {
	return []*entity.Message{
		msg("p1", entity.MessageRoleUser, base),
		msg("p2", entity.MessageRoleAssistant, base.Add(1*time.Second)),
		msg("p3", entity.MessageRoleUser, base.Add(2*time.Second)),
		msg("p4", entity.MessageRoleAssistant, base.Add(3*time.Second)),
	}
}

func TestCommitAppendsExactlyTheNewMessages(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	usage := stream.Usage{PromptTokens: 30, CompletionTokens: 12, TotalTokens: 42, Known: true}

	tests := []struct {
		name  string
		prior func([]*entity.Message) []*entity.Message
	}{
		{"original order", func(p []*entity.Message) []*entity.Message { return p }},
		{"re-fetched in reverse", func(p []*entity.Message) []*entity.Message {
			return []*entity.Message{p[3], p[2], p[1], p[0]}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, db := setup(t)
			prior := priorTurns(base)
			_, err := store.messages.CreateIfAbsent(context.Background(), prior)
			require.NoError(t, err)

			user := msg("m1", entity.MessageRoleUser, base.Add(4*time.Second))
			assistant := msg("a1", entity.MessageRoleAssistant, base.Add(5*time.Second))
			all := append(append([]*entity.Message{}, prior...), user, assistant)

			publisher := &recordingPublisher{}
			f := NewFinalizer(store, publisher, logger.NewNopLogger(), logger.NewNopLogger())

			written := f.Commit(context.Background(), "c1", tt.prior(prior), all, usage)

			assert.Equal(t, int64(2), written)
			assert.Equal(t, 1, store.touched)

			stored, err := store.messages.FindAll(context.Background(),
				specification.ByConversationID{ConversationID: "c1"},
				specification.ChronologicalOrder{},
			)
			require.NoError(t, err)
			require.Len(t, stored, 6)
			assert.Equal(t, "m1", stored[4].Id)
			assert.Nil(t, stored[4].TokensUsed)
			require.NotNil(t, stored[5].TokensUsed)
			assert.Equal(t, 42, *stored[5].TokensUsed)
			assert.Nil(t, assistant.TokensUsed, "caller's message must not be mutated")

			completed := publisher.ofType(EventTurnCompleted)
			require.Len(t, completed, 1)
			var payload TurnCompleted
			require.NoError(t, events.DecodePayload(completed[0], &payload))
			assert.Equal(t, []string{"m1", "a1"}, payload.MessageIds)

			var n int64
			require.NoError(t, db.Model(&model.Message{}).Count(&n).Error)
			assert.Equal(t, int64(6), n)
		})
	}
}

func TestCommitRetryIsIdempotent(t *testing.T) {
	store, _ := setup(t)
	base := time.Now()
	all := []*entity.Message{msg("m1", entity.MessageRoleUser, base), msg("a1", entity.MessageRoleAssistant, base.Add(time.Millisecond))}
	f := NewFinalizer(store, nil, logger.NewNopLogger(), logger.NewNopLogger())

	assert.Equal(t, int64(2), f.Commit(context.Background(), "c1", nil, all, stream.Usage{Known: true, TotalTokens: 3}))
	// A stale caller view of history re-sends both; nothing new is written.
	assert.Equal(t, int64(0), f.Commit(context.Background(), "c1", nil, all, stream.Usage{Known: true, TotalTokens: 3}))
}

func TestCommitNothingNew(t *testing.T) {
	store, _ := setup(t)
	prior := priorTurns(time.Now())
	f := NewFinalizer(store, nil, logger.NewNopLogger(), logger.NewNopLogger())

	assert.Equal(t, int64(0), f.Commit(context.Background(), "c1", prior, prior, stream.Usage{}))
	assert.Equal(t, 0, store.touched)
}

func TestCommitFailureIsReportedNotReturned(t *testing.T) {
	tests := []struct {
		name       string
		failAppend error
		failTouch  error
		stage      string
		written    int64
	}{
		{"append fails", errors.New("connection reset"), nil, StageAppend, 0},
		{"touch fails", nil, errors.New("connection reset"), StageTouch, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := setup(t)
			store.failAppend = tt.failAppend
			store.failTouch = tt.failTouch

			core, logs := observer.New(zapcore.DebugLevel)
			durability := logger.NewFromZap(zap.New(core))
			publisher := &recordingPublisher{}
			f := NewFinalizer(store, publisher, logger.NewNopLogger(), durability)

			base := time.Now()
			all := []*entity.Message{
				msg("m1", entity.MessageRoleUser, base),
				msg("a1", entity.MessageRoleAssistant, base.Add(time.Millisecond)),
			}
			written := f.Commit(context.Background(), "c1", nil, all, stream.Usage{Known: true, TotalTokens: 9})

			assert.Equal(t, tt.written, written)
			require.NotEmpty(t, logs.FilterMessage("Durability gap").All())

			gaps := publisher.ofType(EventDurabilityGap)
			require.Len(t, gaps, 1)
			var gap DurabilityGap
			require.NoError(t, events.DecodePayload(gaps[0], &gap))
			assert.Equal(t, "c1", gap.ConversationId)
			assert.Equal(t, tt.stage, gap.Stage)
			assert.Equal(t, "connection reset", gap.Error)
			require.Len(t, gap.Messages, 2)
			require.NotNil(t, gap.Messages[1].TokensUsed)
			assert.Equal(t, 9, *gap.Messages[1].TokensUsed)
			assert.Empty(t, publisher.ofType(EventTurnCompleted))
		})
	}
}

func TestNewMessagesBySetDifference(t *testing.T) {
	base := time.Now()
	prior := priorTurns(base)
	all := []*entity.Message{
		msg("m1", entity.MessageRoleUser, base),
		prior[2], prior[0],
		msg("a1", entity.MessageRoleAssistant, base),
		msg("m1", entity.MessageRoleUser, base),
	}

	got := NewMessages(prior, all)

	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].Id)
	assert.Equal(t, "a1", got[1].Id)
}
