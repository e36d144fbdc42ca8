package services

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTerminationToken  = "ABRACADABRA"
	DefaultCompletionTimeout = 60 * time.Second

	// openingSeed elicits the opening line; it is never stored in the transcript.
	openingSeed = "Start the conversation"
)

// DetectTermination reports whether a completed reply carries the termination token.
func DetectTermination(reply, token string) bool {
	if token == "" {
		return false
	}
	return strings.Contains(reply, token)
}

// stripTermination removes every occurrence of token and tidies surrounding whitespace.
func stripTermination(reply, token string) string {
	if token == "" {
		return reply
	}
	return strings.TrimSpace(strings.ReplaceAll(reply, token, ""))
}

// ConversationEngine runs the turn protocol against a Completer.
type ConversationEngine struct {
	llm     Completer
	token   string
	timeout time.Duration
}

func NewConversationEngine(llm Completer, token string, timeout time.Duration) *ConversationEngine {
	if timeout <= 0 {
		timeout = DefaultCompletionTimeout
	}
	return &ConversationEngine{llm: llm, token: token, timeout: timeout}
}

func (e *ConversationEngine) Token() string { return e.token }

// SystemPrompt builds the per-session prompt: the topic template with the norm
// substituted, followed by the instruction for signalling the end of the conversation.
func (e *ConversationEngine) SystemPrompt(topic Topic, norm Norm) string {
	prompt := BuildSystemPrompt(topic, norm)
	if e.token == "" {
		return prompt
	}
	return strings.TrimRight(prompt, "\n") + "\n\n" + fmt.Sprintf(
		"When the participant clearly wants to stop, or the discussion has run its course, "+
			"finish your last message with the word %s. Never mention this word otherwise.", e.token)
}

// TurnResult is one completed assistant turn.
type TurnResult struct {
	Reply      string
	Terminated bool
}

// Open requests the opening line using the synthetic seed turn.
func (e *ConversationEngine) Open(ctx context.Context, systemPrompt string) (TurnResult, error) {
	msgs := []ChatMessage{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: openingSeed},
	}
	return e.complete(ctx, msgs, nil)
}

// Reply sends the system prompt, the complete transcript and the new utterance.
// onDelta may be nil; when set the reply is streamed.
func (e *ConversationEngine) Reply(ctx context.Context, systemPrompt string, transcript []Message, utterance string, onDelta func(string)) (TurnResult, error) {
	return e.complete(ctx, BuildChatMessages(systemPrompt, transcript, utterance), onDelta)
}

// BuildChatMessages renders the request payload; no truncation is applied.
func BuildChatMessages(systemPrompt string, transcript []Message, utterance string) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(transcript)+2)
	msgs = append(msgs, ChatMessage{Role: RoleSystem, Content: systemPrompt})
	for _, m := range transcript {
		msgs = append(msgs, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return append(msgs, ChatMessage{Role: RoleUser, Content: utterance})
}

func (e *ConversationEngine) complete(ctx context.Context, msgs []ChatMessage, onDelta func(string)) (TurnResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var (
		text string
		err  error
	)
	if onDelta != nil {
		f := &sentinelFilter{token: e.token, emit: onDelta}
		text, err = e.llm.Stream(ctx, msgs, f.write)
		if err == nil {
			f.flush()
		}
	} else {
		text, err = e.llm.Complete(ctx, msgs)
	}
	if err != nil {
		return TurnResult{}, NewCompletionFailedError(err)
	}
	if strings.TrimSpace(text) == "" {
		return TurnResult{}, NewCompletionFailedError(fmt.Errorf("empty completion"))
	}
	return TurnResult{
		Reply:      stripTermination(text, e.token),
		Terminated: DetectTermination(text, e.token),
	}, nil
}

// sentinelFilter forwards streamed text with the termination token removed. A tail
// that could still grow into the token is held back until the next delta decides it.
type sentinelFilter struct {
	token   string
	pending string
	emit    func(string)
}

func (f *sentinelFilter) write(delta string) {
	if f.token == "" {
		f.emit(delta)
		return
	}
	buf := strings.ReplaceAll(f.pending+delta, f.token, "")
	hold := 0
	for n := min(len(f.token)-1, len(buf)); n > 0; n-- {
		if strings.HasSuffix(buf, f.token[:n]) {
			hold = n
			break
		}
	}
	f.pending = buf[len(buf)-hold:]
	if out := buf[:len(buf)-hold]; out != "" {
		f.emit(out)
	}
}

func (f *sentinelFilter) flush() {
	if f.pending != "" {
		f.emit(f.pending)
		f.pending = ""
	}
}
