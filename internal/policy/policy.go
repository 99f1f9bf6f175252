// Package policy holds the external hypothesis-generation collaborator.
// The core never decides what to inspect or how to summarize; it only
// supplies prompts and consumes text.
package policy

import "context"

// ChatModel is one text-in, text-out collaborator call.
type ChatModel interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ChatModelFunc adapts a plain function to the ChatModel interface.
type ChatModelFunc func(ctx context.Context, prompt string) (string, error)

func (f ChatModelFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
