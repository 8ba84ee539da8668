package controller

import (
	"bufio"
	"context"
	"errors"

	"ai-studychat-be/internal/dto"
	"ai-studychat-be/internal/pkg/logger"
	"ai-studychat-be/internal/pkg/serverutils"
	"ai-studychat-be/internal/repository/memory"
	"ai-studychat-be/internal/service"
	"ai-studychat-be/pkg/chat/stream"

	"github.com/gofiber/fiber/v2"
)

type IChatController interface {
	RegisterRoutes(r fiber.Router)
	Send(ctx *fiber.Ctx) error
	ListConversations(ctx *fiber.Ctx) error
	GetMessages(ctx *fiber.Ctx) error
	Cancel(ctx *fiber.Ctx) error
}

type chatController struct {
	chatService service.IChatService
	rateLimits  *memory.RateLimitStore
	logger      logger.ILogger
}

func NewChatController(chatService service.IChatService, rateLimits *memory.RateLimitStore, log logger.ILogger) IChatController {
	return &chatController{
		chatService: chatService,
		rateLimits:  rateLimits,
		logger:      log,
	}
}

func (c *chatController) RegisterRoutes(r fiber.Router) {
	h := r.Group("/chat/v1")
	h.Use(serverutils.JwtMiddleware)
	h.Post("", serverutils.RateLimitMiddleware(c.rateLimits), c.Send)
	h.Get("", c.ListConversations)
	h.Get(":conversationId/messages", c.GetMessages)
	h.Post(":conversationId/cancel", c.Cancel)
}

// Send streams the assistant reply as server-sent events. Failures before
// the stream opens are plain JSON errors.
func (c *chatController) Send(ctx *fiber.Ctx) error {
	userId := serverutils.UserId(ctx)

	var req dto.SendChatRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	// fasthttp never cancels the request context; a disconnect shows up as
	// a failed write instead.
	reqCtx := context.WithoutCancel(ctx.UserContext())

	turn, err := c.chatService.StartTurn(reqCtx, userId, &req)
	if service.IsCancellation(err) {
		serverutils.SetSSEHeaders(ctx)
		ctx.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			_ = service.EmitCancelled(serverutils.NewSSEWriter(w).Event)
		})
		return nil
	}
	if err != nil {
		return err
	}

	serverutils.SetSSEHeaders(ctx)
	ctx.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		sse := serverutils.NewSSEWriter(w)
		err := service.EmitTurn(turn, sse.Event, serverutils.PublicMessage)
		if err != nil && !errors.Is(err, stream.ErrSinkClosed) {
			c.logger.Info("ChatController", "Stream ended early", map[string]interface{}{
				"conversation_id": req.ConversationId,
				"reason":          err.Error(),
			})
		}
	})
	return nil
}

func (c *chatController) ListConversations(ctx *fiber.Ctx) error {
	userId := serverutils.UserId(ctx)

	var query dto.ListConversationsQuery
	if err := ctx.QueryParser(&query); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid query")
	}
	if err := serverutils.ValidateRequest(query); err != nil {
		return err
	}

	res, err := c.chatService.ListConversations(ctx.UserContext(), userId, &query)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success list conversations", res))
}

func (c *chatController) GetMessages(ctx *fiber.Ctx) error {
	userId := serverutils.UserId(ctx)

	res, err := c.chatService.GetMessages(ctx.UserContext(), userId, ctx.Params("conversationId"))
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success get messages", res))
}

func (c *chatController) Cancel(ctx *fiber.Ctx) error {
	userId := serverutils.UserId(ctx)

	res, err := c.chatService.Cancel(ctx.UserContext(), userId, ctx.Params("conversationId"))
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Cancellation requested", res))
}
