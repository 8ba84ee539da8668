package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ai-studychat-be/internal/config"
	"ai-studychat-be/internal/dto"
	"ai-studychat-be/internal/entity"
	"ai-studychat-be/internal/mapper"
	"ai-studychat-be/internal/pkg/apperror"
	"ai-studychat-be/internal/pkg/logger"
	"ai-studychat-be/internal/realtime"
	"ai-studychat-be/internal/repository/memory"
	"ai-studychat-be/pkg/chat/stream"
	"ai-studychat-be/pkg/llm"

	"github.com/google/uuid"
)

// assistantNamespace seeds assistant message ids, which are derived from
// the conversation and the user message they answer. Duplicate requests for
// the same turn therefore write the same assistant row.
var assistantNamespace = uuid.MustParse("6f1c9a7e-3b0d-4c55-9a61-2d8e4f7b1c03")

func AssistantMessageId(conversationId, userMessageId string) string {
	return uuid.NewSHA1(assistantNamespace, []byte(conversationId+"/"+userMessageId)).String()
}

type TurnState int

const (
	TurnResolving TurnState = iota
	TurnCreating
	TurnFound
	TurnContextBuilt
	TurnContextReused
	TurnStreaming
	TurnFinalizing
	TurnDone
	TurnFailed
)

func (s TurnState) String() string {
	switch s {
	case TurnResolving:
		return "RESOLVING"
	case TurnCreating:
		return "CREATING"
	case TurnFound:
		return "FOUND"
	case TurnContextBuilt:
		return "CONTEXT_BUILT"
	case TurnContextReused:
		return "CONTEXT_REUSED"
	case TurnStreaming:
		return "STREAMING"
	case TurnFinalizing:
		return "FINALIZING"
	case TurnDone:
		return "DONE"
	case TurnFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

type ContextBuilder interface {
	Build(ctx context.Context, conversation *entity.Conversation) string
}

type TitleGenerator interface {
	Fallback(userText string) string
	Generate(ctx context.Context, userText string) string
}

type StreamRunner interface {
	Run(ctx context.Context, req stream.Request) (*stream.Stream, error)
}

type Finalizer interface {
	Commit(ctx context.Context, conversationId string, prior, all []*entity.Message, usage stream.Usage) int64
}

type IChatService interface {
	// StartTurn resolves the conversation and opens the generation. Any
	// error it returns happened before a byte was streamed.
	StartTurn(ctx context.Context, userId string, request *dto.SendChatRequest) (*Turn, error)
	ListConversations(ctx context.Context, userId string, query *dto.ListConversationsQuery) ([]*dto.ConversationResponse, error)
	GetMessages(ctx context.Context, userId string, conversationId string) ([]*dto.MessageResponse, error)
	Cancel(ctx context.Context, userId string, conversationId string) (*dto.CancelChatResponse, error)
}

type chatService struct {
	store        IConversationStore
	contexts     ContextBuilder
	titles       TitleGenerator
	coordinator  StreamRunner
	finalizer    Finalizer
	registry     *memory.StreamRegistry
	cancellation *realtime.CancellationBus
	codec        *mapper.MessageCodec
	logger       logger.ILogger
	aiCfg        config.AIConfig
	chatCfg      config.ChatConfig
	now          func() time.Time
}

func NewChatService(
	store IConversationStore,
	contexts ContextBuilder,
	titles TitleGenerator,
	coordinator StreamRunner,
	finalizer Finalizer,
	registry *memory.StreamRegistry,
	cancellation *realtime.CancellationBus,
	log logger.ILogger,
	aiCfg config.AIConfig,
	chatCfg config.ChatConfig,
) IChatService {
	return &chatService{
		store:        store,
		contexts:     contexts,
		titles:       titles,
		coordinator:  coordinator,
		finalizer:    finalizer,
		registry:     registry,
		cancellation: cancellation,
		codec:        mapper.NewMessageCodec(),
		logger:       log,
		aiCfg:        aiCfg,
		chatCfg:      chatCfg,
		now:          time.Now,
	}
}

func (cs *chatService) StartTurn(ctx context.Context, userId string, request *dto.SendChatRequest) (*Turn, error) {
	turn := &Turn{
		id:        uuid.NewString(),
		service:   cs,
		finalized: make(chan struct{}),
		state:     TurnResolving,
	}

	if userId == "" {
		turn.fail(apperror.ErrUnauthorized)
		return nil, apperror.ErrUnauthorized
	}

	userMessage, err := cs.newUserMessage(request)
	if err != nil {
		turn.fail(err)
		return nil, err
	}
	userText := userMessage.Text()

	defaults := entity.ConversationDefaults{
		Title:       cs.titles.Fallback(userText),
		Model:       cs.aiCfg.LLMModel,
		Temperature: cs.aiCfg.DefaultTemperature,
		NoteId:      nonEmpty(request.NoteId),
		CourseId:    nonEmpty(request.CourseId),
	}
	if request.Model != "" {
		defaults.Model = request.Model
	}
	if request.Temperature != nil {
		defaults.Temperature = *request.Temperature
	}

	conversation, isNew, prior, err := cs.store.ResolveOrCreate(ctx, request.ConversationId, userId, defaults)
	if err != nil {
		turn.fail(err)
		return nil, err
	}
	turn.conversation = conversation
	turn.isNew = isNew
	turn.prior = prior
	turn.fallbackTitle = defaults.Title

	if isNew {
		turn.transition(TurnCreating)
		conversation.SystemPrompt = cs.contexts.Build(ctx, conversation)
		cs.saveSystemPrompt(ctx, conversation)
		turn.transition(TurnContextBuilt)
	} else {
		turn.transition(TurnFound)
		if conversation.SystemPrompt == "" {
			conversation.SystemPrompt = cs.contexts.Build(ctx, conversation)
			cs.saveSystemPrompt(ctx, conversation)
		}
		turn.transition(TurnContextReused)
	}

	history, stored, reply := splitAtMessage(prior, userMessage.Id)
	if stored != nil {
		userMessage = stored
	}
	turn.userMessage = userMessage
	turn.assistantId = AssistantMessageId(conversation.Id, userMessage.Id)

	if reply != nil {
		turn.replay = reply
		turn.assistantId = reply.Id
		turn.transition(TurnStreaming)
		return turn, nil
	}

	if isNew {
		turn.title = make(chan string, 1)
		go func(ctx context.Context) {
			turn.title <- cs.titles.Generate(ctx, userText)
		}(context.WithoutCancel(ctx))
	}

	turnCtx, cancel := context.WithCancel(ctx)
	turn.ctx = turnCtx
	turn.cancel = cancel
	turn.release = cs.registry.Register(conversation.Id, turn.id, cancel)

	turn.transition(TurnStreaming)
	s, err := cs.coordinator.Run(turnCtx, stream.Request{
		Model:        conversation.Model,
		Temperature:  conversation.Temperature,
		SystemPrompt: conversation.SystemPrompt,
		History:      cs.toLLMMessages(history),
		NewMessage:   llm.Message{Role: "user", Content: userText},
	})
	if err != nil {
		turn.release()
		cancel()
		if IsCancellation(err) {
			cs.logger.Info("ChatService", "Turn cancelled before streaming, nothing persisted", map[string]interface{}{
				"conversation_id": conversation.Id,
				"turn_id":         turn.id,
			})
			turn.transition(TurnDone)
			turn.markFinalized()
			return nil, err
		}
		turn.fail(err)
		return nil, err
	}
	turn.stream = s
	return turn, nil
}

func (cs *chatService) newUserMessage(request *dto.SendChatRequest) (*entity.Message, error) {
	if request == nil {
		return nil, apperror.NewValidationError("body", "required")
	}
	if strings.TrimSpace(request.ConversationId) == "" {
		return nil, apperror.NewValidationError("conversation_id", "required")
	}
	if strings.TrimSpace(request.Message.Id) == "" {
		return nil, apperror.NewValidationError("message.id", "required")
	}
	role, err := cs.codec.DecodeRole(request.Message.Role)
	if err != nil || role != entity.MessageRoleUser {
		return nil, apperror.NewValidationError("message.role", "must be user")
	}
	if len(request.Message.Parts) == 0 {
		return nil, apperror.NewValidationError("message.parts", "required")
	}

	parts := make([]entity.ContentPart, 0, len(request.Message.Parts))
	for _, raw := range request.Message.Parts {
		part, err := cs.codec.DecodePart(raw)
		if err != nil {
			return nil, apperror.NewValidationError("message.parts", err.Error())
		}
		parts = append(parts, part)
	}

	message := &entity.Message{
		Id:             request.Message.Id,
		ConversationId: request.ConversationId,
		Role:           entity.MessageRoleUser,
		Parts:          parts,
		Metadata:       request.Message.Metadata,
		CreatedAt:      cs.now(),
	}
	if strings.TrimSpace(message.Text()) == "" {
		return nil, apperror.NewValidationError("message.parts", "must contain text")
	}
	return message, nil
}

func (cs *chatService) saveSystemPrompt(ctx context.Context, conversation *entity.Conversation) {
	if err := cs.store.SaveSystemPrompt(ctx, conversation.Id, conversation.SystemPrompt); err != nil {
		cs.logger.Warn("ChatService", "Failed to store system prompt", map[string]interface{}{
			"conversation_id": conversation.Id,
			"error":           err.Error(),
		})
	}
}

// splitAtMessage returns the history preceding the message with the given
// id. When that message is already stored it is returned too, together with
// the ASSISTANT reply that follows it, if any.
func splitAtMessage(prior []*entity.Message, id string) (history []*entity.Message, stored *entity.Message, reply *entity.Message) {
	for i, m := range prior {
		if m.Id != id {
			continue
		}
		for _, next := range prior[i+1:] {
			if next.Role == entity.MessageRoleUser {
				break
			}
			if next.Role == entity.MessageRoleAssistant {
				reply = next
				break
			}
		}
		return prior[:i], m, reply
	}
	return prior, nil, nil
}

func (cs *chatService) toLLMMessages(messages []*entity.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		text := m.Text()
		if text == "" {
			continue
		}
		out = append(out, llm.Message{Role: cs.codec.WireRole(m.Role), Content: text})
	}
	return out
}

func (cs *chatService) ListConversations(ctx context.Context, userId string, query *dto.ListConversationsQuery) ([]*dto.ConversationResponse, error) {
	if userId == "" {
		return nil, apperror.ErrUnauthorized
	}
	limit, offset := 20, 0
	if query != nil {
		if query.Limit > 0 {
			limit = query.Limit
		}
		offset = query.Offset
	}

	conversations, err := cs.store.ListConversations(ctx, userId, limit, offset)
	if err != nil {
		return nil, err
	}

	res := make([]*dto.ConversationResponse, 0, len(conversations))
	for _, c := range conversations {
		res = append(res, &dto.ConversationResponse{
			Id:          c.Id,
			Title:       c.Title,
			Model:       c.Model,
			Temperature: c.Temperature,
			NoteId:      c.NoteId,
			CourseId:    c.CourseId,
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   c.UpdatedAt,
		})
	}
	return res, nil
}

func (cs *chatService) GetMessages(ctx context.Context, userId string, conversationId string) ([]*dto.MessageResponse, error) {
	if userId == "" {
		return nil, apperror.ErrUnauthorized
	}
	if _, err := cs.store.GetOwned(ctx, conversationId, userId); err != nil {
		return nil, err
	}

	messages, err := cs.store.ListMessages(ctx, conversationId)
	if err != nil {
		return nil, err
	}

	res := make([]*dto.MessageResponse, 0, len(messages))
	for _, m := range messages {
		parts := make([]json.RawMessage, 0, len(m.Parts))
		for _, p := range m.Parts {
			raw, err := cs.codec.EncodePart(p)
			if err != nil {
				return nil, err
			}
			parts = append(parts, raw)
		}
		res = append(res, &dto.MessageResponse{
			Id:         m.Id,
			Role:       cs.codec.WireRole(m.Role),
			Parts:      parts,
			Metadata:   m.Metadata,
			TokensUsed: m.TokensUsed,
			CreatedAt:  m.CreatedAt,
		})
	}
	return res, nil
}

func (cs *chatService) Cancel(ctx context.Context, userId string, conversationId string) (*dto.CancelChatResponse, error) {
	if userId == "" {
		return nil, apperror.ErrUnauthorized
	}
	if _, err := cs.store.GetOwned(ctx, conversationId, userId); err != nil {
		return nil, err
	}

	n, err := cs.cancellation.Cancel(ctx, conversationId)
	if err != nil {
		// Local streams were still cancelled.
		cs.logger.Warn("ChatService", "Cancellation not broadcast", map[string]interface{}{
			"conversation_id": conversationId,
			"error":           err.Error(),
		})
	}
	return &dto.CancelChatResponse{ConversationId: conversationId, Cancelled: n}, nil
}

// Turn is one request's journey through the state machine. Pump streams the
// reply; persistence then runs in the background and Finalized is closed
// when it is over.
type Turn struct {
	id      string
	service *chatService

	conversation  *entity.Conversation
	isNew         bool
	prior         []*entity.Message
	userMessage   *entity.Message
	assistantId   string
	fallbackTitle string
	title         chan string
	replay        *entity.Message

	ctx     context.Context
	cancel  context.CancelFunc
	release func()
	stream  *stream.Stream

	mu        sync.Mutex
	state     TurnState
	pumped    bool
	finalized chan struct{}
	closeOnce sync.Once
}

func (t *Turn) Metadata() dto.StreamMetadata {
	return dto.StreamMetadata{
		ConversationId:     t.conversation.Id,
		Title:              t.conversation.Title,
		IsNew:              t.isNew,
		UserMessageId:      t.userMessage.Id,
		AssistantMessageId: t.assistantId,
		Replayed:           t.replay != nil,
	}
}

func (t *Turn) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Finalized is closed once the turn reached DONE or FAILED and nothing
// more will be written for it.
func (t *Turn) Finalized() <-chan struct{} {
	return t.finalized
}

// Pump forwards the reply to sink. It returns after the last chunk was
// delivered; persistence of a completed turn continues in the background.
// A cancelled or failed stream persists nothing.
func (t *Turn) Pump(sink stream.Sink) (stream.Result, error) {
	t.mu.Lock()
	if t.pumped {
		t.mu.Unlock()
		return stream.Result{}, stream.ErrAlreadyForwarded
	}
	t.pumped = true
	t.mu.Unlock()

	if t.replay != nil {
		return t.pumpReplay(sink)
	}

	result, err := t.stream.Forward(sink)
	t.release()
	t.cancel()
	if err != nil {
		if errors.Is(err, apperror.ErrUpstreamUnavailable) {
			t.fail(err)
		} else {
			t.service.logger.Info("ChatService", "Turn cancelled, nothing persisted", map[string]interface{}{
				"conversation_id": t.conversation.Id,
				"turn_id":         t.id,
				"delivered":       result.Chunks,
				"reason":          err.Error(),
			})
			t.transition(TurnDone)
			t.markFinalized()
		}
		return result, err
	}

	t.transition(TurnFinalizing)
	go t.finalize(result)
	return result, nil
}

// Close abandons a turn that will not be pumped.
func (t *Turn) Close() {
	t.mu.Lock()
	if t.pumped {
		t.mu.Unlock()
		return
	}
	t.pumped = true
	t.mu.Unlock()

	if t.stream != nil {
		t.stream.Close()
		t.release()
		t.cancel()
	}
	t.transition(TurnDone)
	t.markFinalized()
}

func (t *Turn) pumpReplay(sink stream.Sink) (stream.Result, error) {
	text := t.replay.Text()
	result := stream.Result{Text: text, FinishReason: "stop"}
	if t.replay.TokensUsed != nil {
		result.Usage = stream.Usage{TotalTokens: *t.replay.TokensUsed, Known: true}
	}

	if text != "" {
		if err := sink.Send(text); err != nil {
			t.transition(TurnDone)
			t.markFinalized()
			return result, fmt.Errorf("%w: %v", stream.ErrSinkClosed, err)
		}
		result.Chunks = 1
	}
	result.Completed = true

	t.service.logger.Info("ChatService", "Replayed stored reply", map[string]interface{}{
		"conversation_id": t.conversation.Id,
		"message_id":      t.userMessage.Id,
	})
	t.transition(TurnDone)
	t.markFinalized()
	return result, nil
}

func (t *Turn) finalize(result stream.Result) {
	defer t.markFinalized()
	cs := t.service

	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), cs.chatCfg.FinalizeTimeout)
	defer cancel()

	createdAt := cs.now()
	if !createdAt.After(t.userMessage.CreatedAt) {
		createdAt = t.userMessage.CreatedAt.Add(time.Millisecond)
	}
	metadata := map[string]interface{}{
		"model":         t.conversation.Model,
		"finish_reason": result.FinishReason,
	}
	if result.Usage.Estimated {
		metadata["usage_estimated"] = true
	}
	assistant := &entity.Message{
		Id:             t.assistantId,
		ConversationId: t.conversation.Id,
		Role:           entity.MessageRoleAssistant,
		Parts:          []entity.ContentPart{entity.TextPart(result.Text)},
		Metadata:       metadata,
		CreatedAt:      createdAt,
	}

	all := make([]*entity.Message, 0, len(t.prior)+2)
	all = append(all, t.prior...)
	all = append(all, t.userMessage, assistant)
	cs.finalizer.Commit(ctx, t.conversation.Id, t.prior, all, result.Usage)

	if t.title != nil {
		t.applyTitle(ctx)
	}
	t.transition(TurnDone)
}

func (t *Turn) applyTitle(ctx context.Context) {
	cs := t.service

	var generated string
	select {
	case generated = <-t.title:
	case <-ctx.Done():
		return
	}
	if generated == "" || generated == t.fallbackTitle {
		return
	}
	if err := cs.store.UpdateTitle(ctx, t.conversation.Id, generated); err != nil {
		cs.logger.Warn("ChatService", "Failed to update title", map[string]interface{}{
			"conversation_id": t.conversation.Id,
			"error":           err.Error(),
		})
	}
}

func (t *Turn) transition(to TurnState) {
	t.mu.Lock()
	from := t.state
	t.state = to
	t.mu.Unlock()

	details := map[string]interface{}{
		"turn_id": t.id,
		"from":    from.String(),
		"to":      to.String(),
	}
	if t.conversation != nil {
		details["conversation_id"] = t.conversation.Id
	}
	t.service.logger.Info("ChatService", "Turn state changed", details)
}

func (t *Turn) fail(err error) {
	t.mu.Lock()
	from := t.state
	t.state = TurnFailed
	t.mu.Unlock()

	details := map[string]interface{}{
		"turn_id": t.id,
		"from":    from.String(),
		"error":   err.Error(),
	}
	if t.conversation != nil {
		details["conversation_id"] = t.conversation.Id
	}
	t.service.logger.Warn("ChatService", "Turn failed", details)
	t.markFinalized()
}

func (t *Turn) markFinalized() {
	t.closeOnce.Do(func() { close(t.finalized) })
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}
