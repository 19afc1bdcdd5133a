// Package llm produces conversational replies to caller transcripts.
package llm

import (
	"context"
	"fmt"
)

// Replier answers one caller utterance.
type Replier interface {
	Reply(ctx context.Context, text string) (string, error)
}

type ReplierFunc func(ctx context.Context, text string) (string, error)

func (f ReplierFunc) Reply(ctx context.Context, text string) (string, error) { return f(ctx, text) }

// Mock echoes the transcript back.
type Mock struct{}

func (Mock) Reply(_ context.Context, text string) (string, error) {
	return fmt.Sprintf("You said: %s", text), nil
}
