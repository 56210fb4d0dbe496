package ai

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"taskmate/internal/models"
	"taskmate/internal/service/tasks"
)

// TaskStore is the persistence the task tools operate on.
type TaskStore interface {
	Create(ctx context.Context, in models.NewTask) (*models.Task, error)
	Update(ctx context.Context, ref models.TaskRef, patch models.TaskPatch) (*models.Task, error)
	Delete(ctx context.Context, ref models.TaskRef) (*models.Task, error)
	List(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error)
}

const (
	ToolCreateTask  = "create_task"
	ToolUpdateTask  = "update_task"
	ToolDeleteTask  = "delete_task"
	ToolListTasks   = "list_tasks"
	ToolFilterTasks = "filter_tasks"
)

// Registry is the fixed set of tools exposed to the model, looked up by exact name.
type Registry struct {
	tools map[string]tool.InvokableTool
	infos []*schema.ToolInfo
}

// NewRegistry indexes tools by the name their Info reports.
func NewRegistry(ctx context.Context, tools ...tool.InvokableTool) (*Registry, error) {
	r := &Registry{tools: make(map[string]tool.InvokableTool, len(tools))}
	for _, t := range tools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		if _, dup := r.tools[info.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %s", info.Name)
		}
		r.tools[info.Name] = t
		r.infos = append(r.infos, info)
	}
	return r, nil
}

// NewTaskRegistry builds the five task tools over store.
func NewTaskRegistry(ctx context.Context, store TaskStore, logger *zap.Logger) (*Registry, error) {
	if store == nil {
		return nil, errors.New("task store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tt := &taskTools{store: store, logger: logger.Named("tools")}
	return NewRegistry(ctx,
		utils.NewTool(createTaskInfo, tt.createTask),
		utils.NewTool(updateTaskInfo, tt.updateTask),
		utils.NewTool(deleteTaskInfo, tt.deleteTask),
		utils.NewTool(listTasksInfo, tt.listTasks),
		utils.NewTool(filterTasksInfo, tt.filterTasks),
	)
}

func (r *Registry) Lookup(name string) (tool.InvokableTool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Infos returns the tool schemas in registration order.
func (r *Registry) Infos() []*schema.ToolInfo {
	return r.infos
}

var createTaskInfo = &schema.ToolInfo{
	Name: ToolCreateTask,
	Desc: "Create a new task. The task gets the next free task number, which is returned.",
	ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
		"title": {
			Desc:     "Short title of the task",
			Type:     schema.String,
			Required: true,
		},
		"description": {
			Desc: "Optional longer description",
			Type: schema.String,
		},
		"due_date": {
			Desc: "Optional due date in YYYY-MM-DD format",
			Type: schema.String,
		},
		"priority": {
			Desc: "Priority, defaults to medium",
			Type: schema.String,
			Enum: []string{"low", "medium", "high"},
		},
	}),
}

var updateTaskInfo = &schema.ToolInfo{
	Name: ToolUpdateTask,
	Desc: "Update a task identified by its task number (task_id) or by part of its title (title_match). Only the provided fields change.",
	ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
		"task_id": {
			Desc: "Task number, e.g. 1 for Task 1",
			Type: schema.Integer,
		},
		"title_match": {
			Desc: "Case-insensitive part of the task title, used when task_id is not known",
			Type: schema.String,
		},
		"new_title":       {Desc: "New title", Type: schema.String},
		"new_description": {Desc: "New description", Type: schema.String},
		"new_status": {
			Desc: "New status",
			Type: schema.String,
			Enum: []string{"todo", "in_progress", "done"},
		},
		"new_priority": {
			Desc: "New priority",
			Type: schema.String,
			Enum: []string{"low", "medium", "high"},
		},
		"new_due_date": {Desc: "New due date in YYYY-MM-DD format", Type: schema.String},
	}),
}

var deleteTaskInfo = &schema.ToolInfo{
	Name: ToolDeleteTask,
	Desc: "Delete a task identified by its task number (task_id) or by part of its title (title_match).",
	ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
		"task_id":     {Desc: "Task number, e.g. 2 for Task 2", Type: schema.Integer},
		"title_match": {Desc: "Case-insensitive part of the task title", Type: schema.String},
	}),
}

var listTasksInfo = &schema.ToolInfo{
	Name: ToolListTasks,
	Desc: "List all tasks ordered by task number.",
}

var filterTasksInfo = &schema.ToolInfo{
	Name: ToolFilterTasks,
	Desc: "List tasks with a given status and/or priority, ordered by task number.",
	ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
		"status": {
			Desc: "Only tasks with this status",
			Type: schema.String,
			Enum: []string{"todo", "in_progress", "done"},
		},
		"priority": {
			Desc: "Only tasks with this priority",
			Type: schema.String,
			Enum: []string{"low", "medium", "high"},
		},
	}),
}

type taskTools struct {
	store  TaskStore
	logger *zap.Logger
}

type createTaskParams struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"due_date"`
	Priority    string `json:"priority"`
}

func (t *taskTools) createTask(ctx context.Context, params *createTaskParams) (string, error) {
	if params == nil || strings.TrimSpace(params.Title) == "" {
		return "Error creating task: title is required", nil
	}
	in := models.NewTask{
		Title:       params.Title,
		Description: params.Description,
		DueDate:     t.parseDueDate(params.DueDate),
	}
	if params.Priority != "" {
		p, ok := models.ParsePriority(params.Priority)
		if !ok {
			return fmt.Sprintf("Error creating task: invalid priority '%s', use low, medium or high", params.Priority), nil
		}
		in.Priority = p
	}
	task, err := t.store.Create(ctx, in)
	if err != nil {
		t.logger.Warn("create task failed", zap.Error(err))
		return "Error creating task: " + err.Error(), nil
	}
	return fmt.Sprintf("Task created successfully: '%s' (Task ID: %d)", task.Title, task.TaskNumber), nil
}

// updateTaskParams also accepts the unprefixed field names some models emit.
type updateTaskParams struct {
	TaskID         any     `json:"task_id"`
	TitleMatch     string  `json:"title_match"`
	NewTitle       *string `json:"new_title"`
	NewDescription *string `json:"new_description"`
	NewStatus      *string `json:"new_status"`
	NewPriority    *string `json:"new_priority"`
	NewDueDate     *string `json:"new_due_date"`

	Status      *string `json:"status"`
	Priority    *string `json:"priority"`
	Description *string `json:"description"`
	DueDate     *string `json:"due_date"`
}

func (t *taskTools) updateTask(ctx context.Context, params *updateTaskParams) (string, error) {
	if params == nil {
		params = &updateTaskParams{}
	}
	ref, errText := taskRef(params.TaskID, params.TitleMatch)
	if errText != "" {
		return errText, nil
	}

	var patch models.TaskPatch
	if params.NewTitle != nil && strings.TrimSpace(*params.NewTitle) != "" {
		patch.Title = params.NewTitle
	}
	if d := firstSet(params.NewDescription, params.Description); d != nil {
		patch.Description = d
	}
	if s := firstSet(params.NewStatus, params.Status); s != nil && *s != "" {
		status, ok := models.ParseStatus(*s)
		if !ok {
			return fmt.Sprintf("Error: invalid status '%s', use todo, in_progress or done", *s), nil
		}
		patch.Status = &status
	}
	if p := firstSet(params.NewPriority, params.Priority); p != nil && *p != "" {
		priority, ok := models.ParsePriority(*p)
		if !ok {
			return fmt.Sprintf("Error: invalid priority '%s', use low, medium or high", *p), nil
		}
		patch.Priority = &priority
	}
	if d := firstSet(params.NewDueDate, params.DueDate); d != nil {
		patch.DueDate = t.parseDueDate(*d)
	}
	if patch.Empty() {
		return "Error: No updates provided", nil
	}

	task, err := t.store.Update(ctx, ref, patch)
	if err != nil {
		return t.storeError("updating", err), nil
	}
	return fmt.Sprintf("Task updated successfully: '%s' (Task ID: %d)", task.Title, task.TaskNumber), nil
}

type deleteTaskParams struct {
	TaskID     any    `json:"task_id"`
	TitleMatch string `json:"title_match"`
}

func (t *taskTools) deleteTask(ctx context.Context, params *deleteTaskParams) (string, error) {
	if params == nil {
		params = &deleteTaskParams{}
	}
	ref, errText := taskRef(params.TaskID, params.TitleMatch)
	if errText != "" {
		return errText, nil
	}
	task, err := t.store.Delete(ctx, ref)
	if err != nil {
		return t.storeError("deleting", err), nil
	}
	return fmt.Sprintf("Task deleted successfully: '%s'", task.Title), nil
}

type listTasksParams struct{}

func (t *taskTools) listTasks(ctx context.Context, _ *listTasksParams) (string, error) {
	list, err := t.store.List(ctx, models.TaskFilter{})
	if err != nil {
		t.logger.Warn("list tasks failed", zap.Error(err))
		return "Error listing tasks: " + err.Error(), nil
	}
	if len(list) == 0 {
		return "No tasks found", nil
	}
	return formatTasks(list), nil
}

type filterTasksParams struct {
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

func (t *taskTools) filterTasks(ctx context.Context, params *filterTasksParams) (string, error) {
	if params == nil {
		params = &filterTasksParams{}
	}
	var filter models.TaskFilter
	if params.Status != "" {
		s, ok := models.ParseStatus(params.Status)
		if !ok {
			return fmt.Sprintf("Error filtering tasks: invalid status '%s'", params.Status), nil
		}
		filter.Status = s
	}
	if params.Priority != "" {
		p, ok := models.ParsePriority(params.Priority)
		if !ok {
			return fmt.Sprintf("Error filtering tasks: invalid priority '%s'", params.Priority), nil
		}
		filter.Priority = p
	}
	list, err := t.store.List(ctx, filter)
	if err != nil {
		t.logger.Warn("filter tasks failed", zap.Error(err))
		return "Error filtering tasks: " + err.Error(), nil
	}
	if len(list) == 0 {
		return fmt.Sprintf("No tasks found with filters: status=%s, priority=%s",
			orAny(string(filter.Status)), orAny(string(filter.Priority))), nil
	}
	return formatTasks(list), nil
}

func (t *taskTools) storeError(gerund string, err error) string {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "Error: Task not found"
	case errors.Is(err, tasks.ErrNoReference):
		return "Error: Please provide either task_id or title_match"
	case errors.Is(err, tasks.ErrNoFields):
		return "Error: No updates provided"
	case errors.Is(err, tasks.ErrEmptyTitle):
		return "Error: title cannot be empty"
	}
	t.logger.Warn("task store failed", zap.String("op", gerund), zap.Error(err))
	return fmt.Sprintf("Error %s task: %s", gerund, err.Error())
}

func formatTasks(list []*models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(list))
	for _, task := range list {
		b.WriteString(task.Summary())
		b.WriteByte('\n')
	}
	return b.String()
}

// taskRef turns the loosely typed task_id / title_match pair into a reference.
// A non-empty errText is the tool's reply.
func taskRef(rawID any, titleMatch string) (models.TaskRef, string) {
	if rawID != nil {
		switch v := rawID.(type) {
		case string:
			trimmed := strings.TrimSpace(strings.ToLower(v))
			if trimmed == "" {
				break
			}
			// "Task 3" and "3" both name task 3.
			trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "task"))
			n, err := strconv.ParseInt(trimmed, 10, 64)
			if err != nil || n <= 0 {
				return models.TaskRef{}, fmt.Sprintf("Error: Invalid task id '%s'", v)
			}
			return models.TaskRef{Number: n}, ""
		case float64:
			if v <= 0 || v != float64(int64(v)) {
				return models.TaskRef{}, fmt.Sprintf("Error: Invalid task id '%v'", v)
			}
			return models.TaskRef{Number: int64(v)}, ""
		case json.Number:
			n, err := v.Int64()
			if err != nil || n <= 0 {
				return models.TaskRef{}, fmt.Sprintf("Error: Invalid task id '%s'", v)
			}
			return models.TaskRef{Number: n}, ""
		case int64:
			if v <= 0 {
				return models.TaskRef{}, fmt.Sprintf("Error: Invalid task id '%d'", v)
			}
			return models.TaskRef{Number: v}, ""
		case int:
			if v <= 0 {
				return models.TaskRef{}, fmt.Sprintf("Error: Invalid task id '%d'", v)
			}
			return models.TaskRef{Number: int64(v)}, ""
		default:
			return models.TaskRef{}, fmt.Sprintf("Error: Invalid task id '%v'", v)
		}
	}
	if strings.TrimSpace(titleMatch) != "" {
		return models.TaskRef{TitleMatch: titleMatch}, ""
	}
	return models.TaskRef{}, "Error: Please provide either task_id or title_match"
}

// parseDueDate returns nil for blank or unparseable input; such dates are dropped.
func (t *taskTools) parseDueDate(s string) *time.Time {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	d, ok := models.ParseDate(s)
	if !ok {
		t.logger.Debug("ignoring unparseable due date", zap.String("due_date", s))
		return nil
	}
	return &d
}

func firstSet(values ...*string) *string {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func orAny(s string) string {
	if s == "" {
		return "any"
	}
	return s
}
