package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/szaher/designs/sessiond/internal/conversation"
)

// Turn is one user message handed to the agent.
type Turn struct {
	UserID  string
	Handle  conversation.Handle
	Message string
	History []conversation.Message
	Files   []string
}

// Agent produces the assistant's reply for a turn. The language model,
// tools and retrieval live behind this interface.
type Agent interface {
	Respond(ctx context.Context, turn Turn) (string, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, turn Turn) (string, error)

// Respond calls f.
func (f AgentFunc) Respond(ctx context.Context, turn Turn) (string, error) { return f(ctx, turn) }

// EchoAgent answers without a model, for local runs. It asks for more
// detail on the first turn and acknowledges afterwards.
type EchoAgent struct{}

// Respond implements Agent.
func (EchoAgent) Respond(_ context.Context, turn Turn) (string, error) {
	msg := strings.TrimSpace(turn.Message)
	if len(turn.History) == 0 {
		return fmt.Sprintf("Could you tell me more about %q?", msg), nil
	}
	return fmt.Sprintf("Noted: %s (%d earlier messages, %d files).", msg, len(turn.History), len(turn.Files)), nil
}
