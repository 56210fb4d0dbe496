package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"taskmate/internal/models"
	"taskmate/internal/service/ai"
	"taskmate/internal/service/apikeys"
	"taskmate/internal/worker"
)

const (
	maxChatFrameBytes = 1 << 20
	maxQueuedFrames   = 8
	writeWait         = 10 * time.Second

	msgBusy = "The assistant is busy right now. Please try again in a moment."
)

// chatSocket serves one chat connection; every text frame is one turn.
func (h *Handler) chatSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already answered
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if h.keys.Len() == 0 {
		h.logger.Error("chat unavailable: no api keys configured")
		closeMsg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "agent initialization failed")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
		return
	}

	conversationID := uuid.NewString()
	logger := h.logger.With(zap.String("conversation", conversationID))
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer func() {
		cancel()
		h.turns.CancelConversation(conversationID)
	}()

	conn.SetReadLimit(maxChatFrameBytes)
	logger.Debug("chat connected")

	// The request context outlives a hijacked connection, so the reader
	// cancels ctx itself; a turn in flight stops when the client leaves.
	frames := make(chan []byte, maxQueuedFrames)
	go func() {
		defer close(frames)
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warn("chat read failed", zap.Error(err))
				} else {
					logger.Debug("chat disconnected")
				}
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for data := range frames {
		var req models.ChatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if err := h.writeFrame(conn, gin.H{"error": "invalid message"}); err != nil {
				return
			}
			continue
		}

		reply, err := h.runTurn(ctx, conversationID, req)
		if ctx.Err() != nil {
			logger.Debug("turn abandoned", zap.NamedError("cause", err))
			return
		}
		if err := h.writeFrame(conn, reply); err != nil {
			logger.Warn("chat write failed", zap.Error(err))
			return
		}
	}
}

func (h *Handler) writeFrame(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// chatOnce runs a single turn for clients that cannot hold a socket open.
func (h *Handler) chatOnce(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message"})
		return
	}
	if h.keys.Len() == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent initialization failed"})
		return
	}
	conversationID := c.GetHeader("X-Conversation-ID")
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	reply, err := h.runTurn(c.Request.Context(), conversationID, req)
	status := http.StatusOK
	if errors.Is(err, worker.ErrDispatcherBusy) {
		status = http.StatusTooManyRequests
	}
	c.Header("X-Conversation-ID", conversationID)
	c.JSON(status, reply)
}

// runTurn submits one turn and shapes the outcome into the wire reply. The
// returned error is the dispatch failure, if any, already folded into the reply.
func (h *Handler) runTurn(ctx context.Context, conversationID string, req models.ChatRequest) (models.ChatReply, error) {
	if h.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.turnTimeout)
		defer cancel()
	}

	res, err := h.turns.Submit(ctx, conversationID, buildHistory(req))
	if err != nil {
		return h.failedReply(conversationID, err), err
	}
	if res.ErrorType != "" {
		return models.ChatReply{Message: res.Reply, Type: models.ReplyTypeError, Done: true, ErrorType: res.ErrorType}, nil
	}
	return models.ChatReply{Message: res.Reply, Type: models.ReplyTypeAgent, Done: true}, nil
}

func (h *Handler) failedReply(conversationID string, err error) models.ChatReply {
	reply := models.ChatReply{Type: models.ReplyTypeError, Done: true, ErrorType: models.ErrorTypeAgent, Message: apikeys.MsgGeneric}
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		reply.Message = msgBusy
	case errors.Is(err, ai.ErrNoCredentials):
		reply.Message = apikeys.MsgInvalidKey
	case errors.Is(err, context.DeadlineExceeded):
		reply.Message = apikeys.MsgConnection
	}
	h.logger.Warn("turn failed",
		zap.String("conversation", conversationID),
		zap.String("error", err.Error()),
	)
	return reply
}

// buildHistory turns the client history plus the new message into model
// messages. Only user and assistant entries are carried; the system prompt
// is rebuilt on every turn.
func buildHistory(req models.ChatRequest) []*schema.Message {
	history := make([]*schema.Message, 0, len(req.History)+1)
	for _, m := range req.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case models.RoleUser:
			history = append(history, schema.UserMessage(m.Content))
		case models.RoleAssistant:
			history = append(history, schema.AssistantMessage(m.Content, nil))
		}
	}
	return append(history, schema.UserMessage(req.Message))
}
