package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// runStore is the slice of Store a run needs.
type runStore interface {
	CreateSession(ctx context.Context) (int64, error)
	AppendMessage(ctx context.Context, msg Message) error
	RecentMessages(ctx context.Context, limit int) ([]Message, error)
}

// busPublisher is the slice of Bus a run needs.
type busPublisher interface {
	Publish(ctx context.Context, sessionID int64, event json.RawMessage)
}

// historyLimit bounds how much persisted context is replayed into a run.
const historyLimit = 50

// Runner owns the glue around one agent execution: persist inputs, create
// the session, forward every harness event to the bus, persist the output.
// The harness itself decides everything about the LLM turn.
type Runner struct {
	store   runStore
	bus     busPublisher
	harness Harness
	board   *StatusBoard
	model   string
	tools   []string
	logger  *Logger
}

func NewRunner(store runStore, bus busPublisher, harness Harness, board *StatusBoard, model string, logger *Logger) *Runner {
	return &Runner{
		store:   store,
		bus:     bus,
		harness: harness,
		board:   board,
		model:   model,
		tools:   []string{"bash"},
		logger:  logger,
	}
}

// ConversationRun handles a drained batch on the conversation lane.
func (r *Runner) ConversationRun(ctx context.Context, signals []Signal) (int64, error) {
	channel := ""
	for _, sig := range signals {
		if sig.Channel != "" {
			channel = sig.Channel
			break
		}
	}
	return r.execute(ctx, LaneConversation, channel, signals, "")
}

// HeartbeatRun handles a drained batch on the heartbeat lane.
func (r *Runner) HeartbeatRun(ctx context.Context, signals []Signal) (int64, error) {
	return r.execute(ctx, LaneHeartbeat, "", signals, "")
}

// TaskRun executes one claimed scheduled task as a heartbeat-style run with
// the task prompt appended, and returns the session id for the completed
// transition.
func (r *Runner) TaskRun(ctx context.Context, task ScheduledTask) (int64, error) {
	sig := Signal{
		Kind:      SignalSelfNotification,
		Source:    "scheduler",
		Content:   TextBlock(fmt.Sprintf("[scheduled task #%d]", task.ID)),
		Timestamp: task.FireAt,
	}
	return r.execute(ctx, LaneHeartbeat, "", []Signal{sig}, task.Prompt)
}

func (r *Runner) execute(ctx context.Context, lane, channel string, signals []Signal, extraPrompt string) (int64, error) {
	// Persist inbound content first: the durable log is the record a
	// restarted process rebuilds from.
	for _, sig := range signals {
		if len(sig.Content) == 0 {
			continue
		}
		if err := r.store.AppendMessage(ctx, Message{
			Role:    "user",
			Content: sig.Content,
			Source:  sig.Source,
			Channel: sig.Channel,
			Lane:    lane,
		}); err != nil {
			return 0, err
		}
	}

	sessionID, err := r.store.CreateSession(ctx)
	if err != nil {
		return 0, err
	}

	req, err := r.buildRequest(ctx, signals, extraPrompt)
	if err != nil {
		return sessionID, err
	}

	events, err := r.harness.Run(ctx, req)
	if err != nil {
		return sessionID, err
	}

	var text strings.Builder
	sawEnd := false
	for ev := range events {
		r.bus.Publish(ctx, sessionID, ev.Raw)
		switch ev.Type {
		case EventText:
			text.WriteString(ev.Content)
		case EventError:
			r.logger.Error(lane+"_harness", fmt.Errorf("%s", ev.Message))
		case EventRunEnd:
			sawEnd = true
		}
	}
	if !sawEnd {
		return sessionID, fmt.Errorf("harness stream ended before run_end")
	}

	if out := text.String(); out != "" {
		if err := r.store.AppendMessage(ctx, Message{
			Role:      "assistant",
			Content:   TextBlock(out),
			Source:    lane,
			Channel:   channel,
			Lane:      lane,
			SessionID: sessionID,
		}); err != nil {
			return sessionID, err
		}
	}
	return sessionID, nil
}

// buildRequest assembles the run input: recent durable history, then the
// triggering signals, with the status board injected as system context.
// Anything smarter than this belongs to the harness side.
func (r *Runner) buildRequest(ctx context.Context, signals []Signal, extraPrompt string) (RunRequest, error) {
	history, err := r.store.RecentMessages(ctx, historyLimit)
	if err != nil {
		return RunRequest{}, err
	}

	msgs := make([]GatewayMessage, 0, len(history)+len(signals)+1)
	for _, m := range history {
		if flat := flattenBlocks(m.Content); flat != "" {
			msgs = append(msgs, GatewayMessage{Role: m.Role, Content: flat})
		}
	}
	for _, sig := range signals {
		content := flattenBlocks(sig.Content)
		if content == "" {
			content = fmt.Sprintf("[%s from %s]", sig.Kind, sig.Source)
		}
		msgs = append(msgs, GatewayMessage{Role: "user", Content: content})
	}
	if extraPrompt != "" {
		msgs = append(msgs, GatewayMessage{Role: "user", Content: extraPrompt})
	}

	return RunRequest{
		Model:    r.model,
		System:   "Agent status:\n" + r.board.Format(),
		Messages: msgs,
		Tools:    r.tools,
	}, nil
}

func flattenBlocks(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
