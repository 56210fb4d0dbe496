package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"taskmate/internal/models"
	"taskmate/internal/service/ai"
	"taskmate/internal/service/apikeys"
	"taskmate/internal/service/tasks"
)

type TaskService interface {
	Create(ctx context.Context, in models.NewTask) (*models.Task, error)
	Get(ctx context.Context, number int64) (*models.Task, error)
	List(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error)
	Update(ctx context.Context, ref models.TaskRef, patch models.TaskPatch) (*models.Task, error)
	Delete(ctx context.Context, ref models.TaskRef) (*models.Task, error)
}

// TurnDispatcher runs agent turns; *worker.Dispatcher satisfies it.
type TurnDispatcher interface {
	Submit(ctx context.Context, conversationID string, history []*schema.Message) (*ai.TurnResult, error)
	CancelConversation(conversationID string)
}

type KeyReporter interface {
	Len() int
	StatusReport() apikeys.StatusReport
}

type Options struct {
	CORSOrigins []string
	TurnTimeout time.Duration
	Logger      *zap.Logger
}

// Handler wires HTTP routes to the task store and the agent dispatcher.
type Handler struct {
	tasks       TaskService
	turns       TurnDispatcher
	keys        KeyReporter
	origins     []string
	turnTimeout time.Duration
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

// NewHandler constructs a Handler instance.
func NewHandler(taskSvc TaskService, turns TurnDispatcher, keys KeyReporter, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		tasks:       taskSvc,
		turns:       turns,
		keys:        keys,
		origins:     opts.CORSOrigins,
		turnTimeout: opts.TurnTimeout,
		logger:      logger.Named("api"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return h.originAllowed(r.Header.Get("Origin")) },
	}
	return h
}

// NewRouter builds the gin engine with middleware and all routes.
func (h *Handler) NewRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger(), h.cors())
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.root)
	router.GET("/health", h.health)

	api := router.Group("/api")
	api.GET("/keys/status", h.keyStatus)

	taskRoutes := api.Group("/tasks")
	taskRoutes.GET("", h.listTasks)
	taskRoutes.POST("", h.createTask)
	taskRoutes.GET("/:id", h.getTask)
	taskRoutes.PATCH("/:id", h.updateTask)
	taskRoutes.DELETE("/:id", h.deleteTask)

	chat := api.Group("/chat")
	chat.GET("/ws", h.chatSocket)
	chat.POST("", h.chatOnce)
}

func (h *Handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "AI Task Manager API"})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) keyStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.keys.StatusReport())
}

// Task REST interface
type taskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	Priority    *string `json:"priority"`
	DueDate     *string `json:"due_date"`
}

func (h *Handler) listTasks(c *gin.Context) {
	var filter models.TaskFilter
	if v := c.Query("status"); v != "" {
		status, ok := models.ParseStatus(v)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		filter.Status = status
	}
	if v := c.Query("priority"); v != "" {
		priority, ok := models.ParsePriority(v)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid priority"})
			return
		}
		filter.Priority = priority
	}
	list, err := h.tasks.List(c.Request.Context(), filter)
	if err != nil {
		h.storeFailure(c, "list tasks", err)
		return
	}
	if list == nil {
		list = make([]*models.Task, 0)
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) getTask(c *gin.Context) {
	number, ok := taskNumber(c)
	if !ok {
		return
	}
	task, err := h.tasks.Get(c.Request.Context(), number)
	if err != nil {
		h.storeFailure(c, "get task", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) createTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Title == nil || strings.TrimSpace(*req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	in := models.NewTask{Title: *req.Title}
	if req.Description != nil {
		in.Description = *req.Description
	}
	patch, msg := req.patch()
	if msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	if patch.Status != nil {
		in.Status = *patch.Status
	}
	if patch.Priority != nil {
		in.Priority = *patch.Priority
	}
	in.DueDate = patch.DueDate

	task, err := h.tasks.Create(c.Request.Context(), in)
	if err != nil {
		h.storeFailure(c, "create task", err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *Handler) updateTask(c *gin.Context) {
	number, ok := taskNumber(c)
	if !ok {
		return
	}
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	patch, msg := req.patch()
	if msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	patch.Title = req.Title
	patch.Description = req.Description

	task, err := h.tasks.Update(c.Request.Context(), models.TaskRef{Number: number}, patch)
	if err != nil {
		h.storeFailure(c, "update task", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) deleteTask(c *gin.Context) {
	number, ok := taskNumber(c)
	if !ok {
		return
	}
	if _, err := h.tasks.Delete(c.Request.Context(), models.TaskRef{Number: number}); err != nil {
		h.storeFailure(c, "delete task", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// patch parses the enum and date fields shared by create and update.
func (r taskRequest) patch() (models.TaskPatch, string) {
	var patch models.TaskPatch
	if r.Status != nil {
		status, ok := models.ParseStatus(*r.Status)
		if !ok {
			return patch, "invalid status"
		}
		patch.Status = &status
	}
	if r.Priority != nil {
		priority, ok := models.ParsePriority(*r.Priority)
		if !ok {
			return patch, "invalid priority"
		}
		patch.Priority = &priority
	}
	if r.DueDate != nil && strings.TrimSpace(*r.DueDate) != "" {
		due, ok := models.ParseDate(*r.DueDate)
		if !ok {
			return patch, "invalid due_date"
		}
		patch.DueDate = &due
	}
	return patch, ""
}

func taskNumber(c *gin.Context) (int64, bool) {
	number, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || number <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return 0, false
	}
	return number, true
}

func (h *Handler) storeFailure(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, tasks.ErrEmptyTitle),
		errors.Is(err, tasks.ErrInvalidStatus),
		errors.Is(err, tasks.ErrInvalidPriority),
		errors.Is(err, tasks.ErrNoFields),
		errors.Is(err, tasks.ErrNoReference):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}
