package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"ai-studychat-be/internal/dto"
	"ai-studychat-be/internal/pkg/apperror"
	"ai-studychat-be/internal/pkg/logger"
	"ai-studychat-be/internal/pkg/serverutils"
	"ai-studychat-be/internal/service"
	internalWS "ai-studychat-be/internal/websocket"
	"ai-studychat-be/pkg/chat/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const (
	frameChat      = "chat"
	frameCancel    = "cancel"
	frameCancelled = "cancelled"
)

// Session is the client side of one WebSocket connection.
type Session interface {
	UserId() string
	WriteJSON(v interface{}) error
}

// ChatWsHandler carries chat turns and cancellations over a WebSocket.
// Each chat frame streams as metadata, token and done/error frames tagged
// with its conversation.
type ChatWsHandler struct {
	chatService service.IChatService
	logger      logger.ILogger
}

func NewChatWsHandler(chatService service.IChatService, log logger.ILogger) *ChatWsHandler {
	return &ChatWsHandler{
		chatService: chatService,
		logger:      log,
	}
}

func (h *ChatWsHandler) RegisterRoutes(r fiber.Router) {
	r.Get("/chat/v1/ws", serverutils.WsJwtMiddleware, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, websocket.New(h.serve))
}

func (h *ChatWsHandler) serve(conn *websocket.Conn) {
	userId, _ := conn.Locals("user_id").(string)
	client := internalWS.NewClient(conn, userId, h.logger)

	// Turns stop when the connection does.
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	h.logger.Info("ChatWsHandler", "Client connected", map[string]interface{}{"user_id": userId})
	client.Serve(func(frame []byte) {
		h.Dispatch(ctx, client, frame, &wg)
	})
	h.logger.Info("ChatWsHandler", "Client disconnected", map[string]interface{}{"user_id": userId})
}

// Dispatch handles one client frame. Chat turns run on their own goroutine
// tracked by wg so cancel frames keep flowing while a reply streams.
func (h *ChatWsHandler) Dispatch(ctx context.Context, session Session, raw []byte, wg *sync.WaitGroup) {
	var frame dto.WsClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.writeError(session, "", errors.New("malformed frame"), false)
		return
	}

	switch frame.Type {
	case frameChat:
		req := frame.SendChatRequest
		if err := serverutils.ValidateRequest(req); err != nil {
			h.writeError(session, req.ConversationId, err, false)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.runTurn(ctx, session, &req)
		}()

	case frameCancel:
		res, err := h.chatService.Cancel(ctx, session.UserId(), frame.ConversationId)
		if err != nil {
			h.writeError(session, frame.ConversationId, err, false)
			return
		}
		_ = session.WriteJSON(dto.WsServerFrame{Type: frameCancelled, ConversationId: frame.ConversationId, Data: res})

	default:
		h.writeError(session, "", errors.New("unknown frame type"), false)
	}
}

func (h *ChatWsHandler) runTurn(ctx context.Context, session Session, req *dto.SendChatRequest) {
	emit := func(event string, data interface{}) error {
		return session.WriteJSON(dto.WsServerFrame{
			Type:           event,
			ConversationId: req.ConversationId,
			Data:           data,
		})
	}

	turn, err := h.chatService.StartTurn(ctx, session.UserId(), req)
	if err != nil {
		if service.IsCancellation(err) {
			_ = service.EmitCancelled(emit)
			return
		}
		h.writeError(session, req.ConversationId, err, true)
		return
	}
	if err := service.EmitTurn(turn, emit, serverutils.PublicMessage); err != nil && !errors.Is(err, stream.ErrSinkClosed) {
		h.logger.Info("ChatWsHandler", "Stream ended early", map[string]interface{}{
			"conversation_id": req.ConversationId,
			"reason":          err.Error(),
		})
	}
}

func (h *ChatWsHandler) writeError(session Session, conversationId string, err error, public bool) {
	message := err.Error()
	if public {
		message = serverutils.PublicMessage(err)
	}
	_ = session.WriteJSON(dto.WsServerFrame{
		Type:           dto.StreamEventError,
		ConversationId: conversationId,
		Data:           dto.StreamError{Message: message, Retryable: apperror.IsRetryable(err)},
	})
}
