// Package executor adapts A2A message/send requests onto an opaque
// per-agent session, tracking each request as a task record and
// rendering the session's reply as a terminal Task result.
package executor

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flockmesh/flock/internal/audit"
	"github.com/flockmesh/flock/internal/common/logger"
	"github.com/flockmesh/flock/internal/events"
	"github.com/flockmesh/flock/internal/events/bus"
	"github.com/flockmesh/flock/internal/task/models"
	"github.com/flockmesh/flock/internal/task/repository"
	"github.com/flockmesh/flock/internal/triage"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

// SessionSend delivers text into an agent's LLM session and returns the
// session's reply. An empty reply means the session produced nothing.
// The session key selects a conversation context; empty means the
// agent's default session.
type SessionSend func(ctx context.Context, agentID, text, sessionKey string) (string, error)

// DefaultResponseTimeout bounds one session round trip.
const DefaultResponseTimeout = 600 * time.Second

// Executor turns message/send requests into session calls.
type Executor struct {
	nodeID          string
	send            SessionSend
	tasks           repository.Repository
	bus             bus.EventBus
	audit           *audit.Log
	capture         *triage.Capture
	responseTimeout time.Duration
	log             *logger.Logger
}

// Options configures an Executor.
type Options struct {
	NodeID          string
	Send            SessionSend
	Tasks           repository.Repository
	Bus             bus.EventBus
	Audit           *audit.Log
	Capture         *triage.Capture
	ResponseTimeout time.Duration
	Logger          *logger.Logger
}

// New creates an executor.
func New(opts Options) *Executor {
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	return &Executor{
		nodeID:          opts.NodeID,
		send:            opts.Send,
		tasks:           opts.Tasks,
		bus:             opts.Bus,
		audit:           opts.Audit,
		capture:         opts.Capture,
		responseTimeout: opts.ResponseTimeout,
		log:             opts.Logger,
	}
}

// Execute runs one message/send request against the agent's session.
func (e *Executor) Execute(ctx context.Context, agentID string, params a2av1.MessageSendParams) (*a2av1.SendResult, error) {
	start := time.Now()
	text := params.Message.TextContent()
	data := params.Message.FirstDataPart()
	meta := a2av1.ParseTaskMetadata(data)
	routing := a2av1.ParseSessionRouting(data)
	sessionKey := routing.SessionKey(agentID)

	fromAgent := ""
	if meta != nil && meta.FromHome != "" {
		fromAgent = agentFromHome(meta.FromHome)
	}

	requestID := ""
	sessionText := text
	if meta != nil && meta.FlockType == a2av1.FlockTypeSysadminRequest {
		requestID = newRequestID()
		sessionText = triageHeader(fromAgent, meta, requestID) + "\n" + text
	}

	taskID := uuid.New().String()
	record := newTaskRecord(taskID, fromAgent, agentID, meta, text, data)
	if err := e.tasks.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create task record: %w", err)
	}

	e.publish(ctx, events.TaskWorking, taskID, agentID)
	working := a2av1.TaskStateWorking
	if _, err := e.tasks.Update(ctx, taskID, repository.UpdateFields{State: &working}); err != nil {
		e.log.Warn("Failed to mark task working", zap.String("task_id", taskID), zap.Error(err))
	}

	response, err := e.awaitSession(ctx, agentID, sessionText, sessionKey)
	if err != nil || response == "" {
		return e.fail(ctx, taskID, agentID, err, time.Since(start))
	}
	return e.complete(ctx, taskID, agentID, requestID, response, time.Since(start))
}

// newTaskRecord builds the submitted task row for one request.
func newTaskRecord(taskID, fromAgent, toAgent string, meta *a2av1.TaskMetadata, text string, data map[string]any) *models.Task {
	messageType := "message"
	summary := text
	if meta != nil {
		messageType = string(meta.FlockType)
	}
	if len(summary) > 200 {
		summary = summary[:200]
	}
	return &models.Task{
		ID:          taskID,
		ContextID:   uuid.New().String(),
		FromAgentID: fromAgent,
		ToAgentID:   toAgent,
		MessageType: messageType,
		Summary:     summary,
		Payload:     data,
	}
}

// Cancel marks an in-flight task canceled.
func (e *Executor) Cancel(ctx context.Context, agentID, taskID string) error {
	canceled := a2av1.TaskStateCanceled
	if _, err := e.tasks.Update(ctx, taskID, repository.UpdateFields{State: &canceled}); err != nil {
		return err
	}
	e.publish(ctx, events.TaskCanceled, taskID, agentID)
	e.audit.Record(ctx, &audit.Entry{
		AgentID: agentID,
		Action:  "task.cancel",
		Level:   audit.LevelYellow,
		Detail:  "task " + taskID + " canceled",
	})
	return nil
}

// awaitSession races the session call against the response timeout.
func (e *Executor) awaitSession(ctx context.Context, agentID, text, sessionKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.responseTimeout)
	defer cancel()

	type outcome struct {
		response string
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := e.send(ctx, agentID, text, sessionKey)
		done <- outcome{resp, err}
	}()

	select {
	case out := <-done:
		return out.response, out.err
	case <-ctx.Done():
		return "", fmt.Errorf("session timed out after %s", e.responseTimeout)
	}
}

func (e *Executor) complete(ctx context.Context, taskID, agentID, requestID, response string, elapsed time.Duration) (*a2av1.SendResult, error) {
	var artifacts []a2av1.Artifact
	level := audit.LevelGreen

	if requestID != "" {
		if decision, ok := e.capture.Take(requestID); ok {
			level = decision.Level
			artifacts = append(artifacts, triageArtifact(decision, response))
		}
	}
	if len(artifacts) == 0 {
		artifacts = append(artifacts, a2av1.Artifact{
			ArtifactID: uuid.New().String(),
			Name:       "response",
			Parts:      []a2av1.Part{a2av1.TextPart(response)},
		})
	}

	completed := a2av1.TaskStateCompleted
	updated, err := e.tasks.Update(ctx, taskID, repository.UpdateFields{
		State:        &completed,
		ResponseText: &response,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete task: %w", err)
	}

	e.publish(ctx, events.TaskCompleted, taskID, agentID)
	e.audit.Record(ctx, &audit.Entry{
		AgentID:  agentID,
		Action:   "task.execute",
		Level:    level,
		Detail:   "task " + taskID + " completed",
		Result:   "completed",
		Duration: elapsed,
	})

	reply := a2av1.Message{
		MessageID: uuid.New().String(),
		Role:      a2av1.RoleAgent,
		Parts:     []a2av1.Part{a2av1.TextPart(response)},
	}
	task := a2av1.Task{
		Kind:      "task",
		ID:        taskID,
		ContextID: updated.ContextID,
		Status:    a2av1.TaskStatus{State: a2av1.TaskStateCompleted, Message: &reply},
		Artifacts: artifacts,
	}
	return &a2av1.SendResult{Task: &task}, nil
}

func (e *Executor) fail(ctx context.Context, taskID, agentID string, cause error, elapsed time.Duration) (*a2av1.SendResult, error) {
	detail := "session returned no response"
	if cause != nil {
		detail = cause.Error()
	}
	failureText := "[System] " + detail

	failed := a2av1.TaskStateFailed
	updated, err := e.tasks.Update(ctx, taskID, repository.UpdateFields{
		State:        &failed,
		ResponseText: &failureText,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fail task: %w", err)
	}

	e.publish(ctx, events.TaskFailed, taskID, agentID)
	e.audit.Record(ctx, &audit.Entry{
		AgentID:  agentID,
		Action:   "task.execute",
		Level:    audit.LevelRed,
		Detail:   "task " + taskID + " failed: " + detail,
		Result:   "failed",
		Duration: elapsed,
	})

	task := a2av1.Task{
		Kind:      "task",
		ID:        taskID,
		ContextID: updated.ContextID,
		Status:    a2av1.TaskStatus{State: a2av1.TaskStateFailed},
		Artifacts: []a2av1.Artifact{{
			ArtifactID: uuid.New().String(),
			Name:       "error",
			Parts:      []a2av1.Part{a2av1.TextPart(failureText)},
		}},
	}
	return &a2av1.SendResult{Task: &task}, nil
}

func (e *Executor) publish(ctx context.Context, eventType, taskID, agentID string) {
	if e.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, e.nodeID, map[string]any{
		"taskId":  taskID,
		"agentId": agentID,
	})
	if err := e.bus.Publish(ctx, eventType, evt); err != nil {
		e.log.Warn("Failed to publish task event",
			zap.String("event", eventType), zap.Error(err))
	}
}

// triageHeader renders the compact metadata prefix a sysadmin session
// sees ahead of the request text.
func triageHeader(fromAgent string, meta *a2av1.TaskMetadata, requestID string) string {
	from := fromAgent
	if from == "" {
		from = "unknown"
	}
	fields := []string{"from: " + from, "urgency: " + string(meta.Urgency)}
	if meta.Project != "" {
		fields = append(fields, "project: "+meta.Project)
	}
	fields = append(fields, "request-id: "+requestID)
	return "[" + strings.Join(fields, " | ") + "]"
}

// triageArtifact renders a consumed triage decision as a data part plus
// a formatted text receipt.
func triageArtifact(d triage.Decision, response string) a2av1.Artifact {
	data := map[string]any{
		"level":                 string(d.Level),
		"action":                d.Action,
		"reasoning":             d.Reasoning,
		"requiresHumanApproval": d.RequiresHumanApproval(),
	}
	if len(d.RiskFactors) > 0 {
		data["riskFactors"] = d.RiskFactors
	}
	receipt := fmt.Sprintf("Triage: %s\nAction: %s\nReasoning: %s\n\n%s",
		d.Level, d.Action, d.Reasoning, response)
	return a2av1.Artifact{
		ArtifactID: uuid.New().String(),
		Name:       "triage-result",
		Parts: []a2av1.Part{
			a2av1.DataPart(data),
			a2av1.TextPart(receipt),
		},
	}
}

// newRequestID synthesizes the triage request identifier.
func newRequestID() string {
	return fmt.Sprintf("triage-%d-%06d", time.Now().UnixMilli(), rand.Intn(1000000))
}

// agentFromHome extracts the agent part of a "{agentId}@{nodeId}" home
// identifier.
func agentFromHome(homeID string) string {
	if i := strings.Index(homeID, "@"); i > 0 {
		return homeID[:i]
	}
	return homeID
}
