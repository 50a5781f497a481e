package bridge

import (
	"context"

	"github.com/google/uuid"

	"nexbridge/internal/agent"
	"nexbridge/internal/events"
	"nexbridge/internal/state"
)

// StartSwarm registers a background task and kicks off its worker.
// The returned id is usable with the task registry immediately; the
// started event fires before this returns.
//
// ctx should be the daemon's context, not the request's: the task
// outlives the call that started it and only stops with the process.
func (b *Bridge) StartSwarm(ctx context.Context, description string) string {
	id := uuid.NewString()
	b.cfg.Registrar.PutTask(state.Task{ID: id, Description: description, Status: state.TaskRunning})
	b.cfg.Events.Emit(events.SwarmStarted, map[string]any{
		"taskId":      id,
		"description": description,
	})
	go b.runSwarm(ctx, id, description)
	return id
}

func (b *Bridge) runSwarm(ctx context.Context, id, description string) {
	b.cfg.Events.Emit(events.SwarmProgress, map[string]any{
		"taskId": id,
		"status": state.TaskRunning,
	})

	raw, err := b.ExecAgent(ctx, agent.ChatArgs(description)...)
	if err != nil {
		b.cfg.Logger.Warn("swarm task failed", "task", id, "err", err)
		b.cfg.Registrar.UpdateTask(id, state.TaskFailed, err.Error())
		b.cfg.Events.Emit(events.SwarmCompleted, map[string]any{
			"taskId": id,
			"status": state.TaskFailed,
			"error":  err.Error(),
		})
		return
	}

	output := agent.ExtractResponse(raw)
	b.cfg.Registrar.UpdateTask(id, state.TaskCompleted, output)
	b.cfg.Events.Emit(events.SwarmCompleted, map[string]any{
		"taskId": id,
		"status": state.TaskCompleted,
		"output": output,
	})
}
