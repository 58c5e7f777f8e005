package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgehive/swarmnode/internal/execution"
	"github.com/forgehive/swarmnode/internal/logger"
	"github.com/forgehive/swarmnode/internal/model"
	"github.com/forgehive/swarmnode/internal/noderunner"
	"github.com/forgehive/swarmnode/internal/store"
)

// taskPayload is the hive's description of the work a TaskAssign
// frame is handing to this node, decoded out of its raw Task field.
type taskPayload struct {
	SharedTaskID string `json:"shared_task_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	GitRepo      string `json:"git_repo_path"`
	Branch       string `json:"branch"`
	BaseBranch   string `json:"base_branch"`
	Executor     model.ExecutorKind `json:"executor"`
	Command      string   `json:"command"`
	Args         []string `json:"args"`
}

// nodeHandler adapts the hive's assign/cancel/backfill messages onto
// this node's own store and execution manager, satisfying
// noderunner.Handler.
type nodeHandler struct {
	store   *store.Store
	exec    *execution.Manager
	runner  *noderunner.Runner
}

func newNodeHandler(s *store.Store, mgr *execution.Manager) *nodeHandler {
	return &nodeHandler{store: s, exec: mgr}
}

// attachRunner lets main wire the Runner back in after both are
// constructed (Runner needs a Handler, the handler wants to send
// status frames back through the same Runner).
func (h *nodeHandler) attachRunner(r *noderunner.Runner) { h.runner = r }

func (h *nodeHandler) OnTaskAssign(msg noderunner.TaskAssign) {
	ctx := context.Background()

	var payload taskPayload
	if err := json.Unmarshal(msg.Task, &payload); err != nil {
		logger.WarnCF("node", "discarding malformed task_assign payload", map[string]any{"error": err.Error(), "assignment_id": msg.AssignmentID})
		h.reportStatus(msg.AssignmentID, "failed", "malformed task payload")
		return
	}

	proc, err := h.provisionAndStart(ctx, msg, payload)
	if err != nil {
		logger.ErrorCF("node", "task assignment failed", map[string]any{"error": err.Error(), "assignment_id": msg.AssignmentID})
		h.reportStatus(msg.AssignmentID, "failed", err.Error())
		return
	}
	logger.InfoCF("node", "started execution for assignment", map[string]any{"assignment_id": msg.AssignmentID, "process_id": proc.ID})
	h.reportStatus(msg.AssignmentID, "running", "")
}

func (h *nodeHandler) provisionAndStart(ctx context.Context, msg noderunner.TaskAssign, payload taskPayload) (*model.ExecutionProcess, error) {
	project, err := h.store.GetProjectByRemoteID(ctx, msg.LocalProjectID)
	if err != nil {
		now := time.Now().UTC()
		project = &model.Project{
			ID: uuid.NewString(), Name: payload.Title, GitRepo: payload.GitRepo,
			IsRemote: false, RemoteProjectID: msg.LocalProjectID,
			CreatedAt: now, UpdatedAt: now,
		}
		if err := h.store.CreateProject(ctx, project); err != nil {
			return nil, fmt.Errorf("provision project: %w", err)
		}
	}

	now := time.Now().UTC()
	task, err := h.store.GetTaskBySharedID(ctx, payload.SharedTaskID)
	if err != nil {
		task = &model.Task{
			ID: uuid.NewString(), ProjectID: project.ID, Title: payload.Title,
			Description: payload.Description, Status: model.TaskStatusInProgress,
			SharedTaskID: payload.SharedTaskID, CreatedAt: now, UpdatedAt: now,
		}
		if err := h.store.CreateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("provision task: %w", err)
		}
	}

	attempt := &model.TaskAttempt{
		ID: msg.AssignmentID, TaskID: task.ID,
		WorktreePath: fmt.Sprintf("worktrees/%s", msg.AssignmentID),
		Branch:       payload.Branch, BaseBranch: payload.BaseBranch,
		Executor:  payload.Executor,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := h.store.CreateTaskAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("create attempt: %w", err)
	}

	action := execution.Action{
		Command: payload.Command, Args: payload.Args,
		WorkingDir: attempt.WorktreePath, Executor: payload.Executor,
	}
	return h.exec.StartExecution(ctx, attempt, action, execution.RunReasonCodingAgent)
}

func (h *nodeHandler) OnTaskCancel(assignmentID string) {
	ctx := context.Background()
	procs, err := h.store.ListAttemptExecutionsOrdered(ctx, assignmentID)
	if err != nil {
		logger.WarnCF("node", "cancel lookup failed", map[string]any{"error": err.Error(), "assignment_id": assignmentID})
		return
	}
	for _, p := range procs {
		if p.CompletedAt != nil {
			continue
		}
		if err := h.exec.StopExecution(ctx, p.ID, model.ProcessStatusKilled); err != nil {
			logger.WarnCF("node", "stop execution failed", map[string]any{"error": err.Error(), "process_id": p.ID})
		}
	}
	h.reportStatus(assignmentID, "cancelled", "")
}

func (h *nodeHandler) OnBackfillRequest(raw json.RawMessage) {
	var req struct {
		MessageID  string   `json:"message_id"`
		EntityIDs  []string `json:"entity_ids"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		logger.WarnCF("node", "discarding malformed backfill_request", map[string]any{"error": err.Error()})
		return
	}
	for _, attemptID := range req.EntityIDs {
		h.resendAttempt(attemptID)
	}
}

// resendAttempt replays an attempt's terminal state back to the hive;
// the ExecutionProcesses themselves were already streamed live, so a
// reconnect backfill only needs to restate the outcome.
func (h *nodeHandler) resendAttempt(attemptID string) {
	ctx := context.Background()
	procs, err := h.store.ListAttemptExecutionsOrdered(ctx, attemptID)
	if err != nil || len(procs) == 0 {
		h.sendBackfillResponse(attemptID, false)
		return
	}
	last := procs[len(procs)-1]
	if last.CompletedAt == nil {
		h.sendBackfillResponse(attemptID, false)
		return
	}
	h.reportStatus(attemptID, string(last.Status), "")
	h.sendBackfillResponse(attemptID, true)
}

func (h *nodeHandler) sendBackfillResponse(attemptID string, success bool) {
	if h.runner == nil {
		return
	}
	h.runner.Send(map[string]any{
		"type": "backfill_response", "attempt_id": attemptID, "success": success,
	})
}

func (h *nodeHandler) reportStatus(assignmentID, status, errMsg string) {
	if h.runner == nil {
		return
	}
	h.runner.Send(map[string]any{
		"type": "task_status", "assignment_id": assignmentID, "status": status,
		"error": errMsg, "reported_at": time.Now().UTC(),
	})
}
