package hive

import (
	"context"
	"fmt"
	"time"

	"github.com/galdor/go-hive/pkg/coordination"
	"github.com/google/uuid"
)

// WorkFunc performs a task with the agents reserved for it and returns its
// output.
type WorkFunc func(ctx context.Context, agents []string) (interface{}, error)

type TaskResult struct {
	TaskId      string      `json:"taskId"`
	Agents      []string    `json:"agents"`
	Success     bool        `json:"success"`
	Output      interface{} `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	DurationMs  float64     `json:"durationMs"`
	CompletedAt time.Time   `json:"completedAt"`
}

// WorkflowContext is shared by the steps of a workflow. Work functions read
// it with WorkflowContextFrom; steps returning a map as output have it
// merged into the context.
type WorkflowContext map[string]interface{}

type WorkflowStep struct {
	Task coordination.Task
	Work WorkFunc

	// Evaluated once the step has succeeded; the workflow ends without
	// running the next steps when it returns false.
	Condition func(WorkflowContext) bool
}

type workflowContextKey struct{}

func WorkflowContextFrom(ctx context.Context) WorkflowContext {
	wctx, _ := ctx.Value(workflowContextKey{}).(WorkflowContext)
	return wctx
}

type Message struct {
	Id        string      `json:"id"`
	From      string      `json:"from"`
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func (msg *Message) Key() string {
	return EventKeyPrefix + msg.Topic + "/" + msg.Id
}

func newId() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ExecuteTask reserves agents for a task, runs the work function, records
// the outcome and stores the result under hive/task-results/<id>. A failed
// task returns both its result and the error of the work function.
func (h *Hive) ExecuteTask(ctx context.Context, task coordination.Task, work WorkFunc) (*TaskResult, error) {
	if task.Id == "" {
		task.Id = newId()
	}

	assignment, err := h.coordinator.Reserve(task)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	output, workErr := h.runWork(ctx, work, assignment.Agents)

	duration := time.Since(start)
	durationMs := float64(duration) / float64(time.Millisecond)

	result := TaskResult{
		TaskId:      task.Id,
		Agents:      assignment.Agents,
		Success:     workErr == nil,
		Output:      output,
		DurationMs:  durationMs,
		CompletedAt: time.Now(),
	}

	if workErr != nil {
		result.Error = workErr.Error()
	}

	err = h.coordinator.RecordOutcome(task, assignment.Agents, result.Success,
		durationMs)
	if err != nil {
		h.Log.Error("cannot record outcome of task %s: %v", task.Id, err)
	}

	if _, err := h.store.Put(TaskResultKeyPrefix+task.Id, &result, nil); err != nil {
		h.Log.Error("cannot store result of task %s: %v", task.Id, err)
	}

	if workErr != nil {
		h.nbTasksFailed.Add(1)
		h.Log.Info("task %s failed after %v: %v", task.Id, duration, workErr)
		return &result, fmt.Errorf("task %s failed: %w", task.Id, workErr)
	}

	h.nbTasksCompleted.Add(1)
	h.Log.Debug(1, "task %s completed in %v by %v",
		task.Id, duration, assignment.Agents)

	return &result, nil
}

func (h *Hive) runWork(ctx context.Context, work WorkFunc, agents []string) (output interface{}, err error) {
	defer func() {
		if value := recover(); value != nil {
			err = fmt.Errorf("panic: %v", value)
			h.Log.Error("panic in task: %v", value)
		}
	}()

	return work(ctx, agents)
}

// ExecuteWorkflow runs tasks one after the other and stops at the first
// failure or at the first step whose condition does not hold. It returns the
// results of the tasks which ran. If wctx is nil, the workflow starts with an
// empty context.
func (h *Hive) ExecuteWorkflow(ctx context.Context, steps []WorkflowStep, wctx WorkflowContext) ([]*TaskResult, error) {
	if wctx == nil {
		wctx = make(WorkflowContext)
	}

	ctx = context.WithValue(ctx, workflowContextKey{}, wctx)

	results := make([]*TaskResult, 0, len(steps))

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result, err := h.ExecuteTask(ctx, step.Task, step.Work)
		if result != nil {
			results = append(results, result)
		}

		if err != nil {
			return results, fmt.Errorf("workflow step %d: %w", i+1, err)
		}

		switch output := result.Output.(type) {
		case WorkflowContext:
			wctx.merge(output)
		case map[string]interface{}:
			wctx.merge(output)
		}

		if step.Condition != nil && !step.Condition(wctx) {
			h.Log.Debug(1, "workflow stopped after step %d/%d",
				i+1, len(steps))
			break
		}
	}

	return results, nil
}

func (wctx WorkflowContext) merge(values map[string]interface{}) {
	for key, value := range values {
		wctx[key] = value
	}
}
