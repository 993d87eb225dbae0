// Package oracle implements the Owl's request/response services: the text
// chat ("Wisdom Engine") and still-image analysis with a thumbnailed history
// ("Night Vision"). Both sit on top of the provider interfaces in pkg/provider
// and report latency through internal/observe.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/owl/internal/observe"
	"github.com/MrWong99/owl/pkg/provider/llm"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Lines the Owl speaks without consulting the model.
const (
	Welcome           = "Welcome to the Wisdom Engine. I am the Owl. How may I enlighten your path through the darkness tonight?"
	EmptyReply        = "Silence fills the woods..."
	TransmissionError = "Error in transmission. The night is quiet."
)

// DefaultChatPrompt is the system prompt sent with every chat request.
const DefaultChatPrompt = "You are the Owl, an ancient and wise guide of the night. " +
	"Answer thoughtfully and with quiet depth. Keep answers concise but profound."

// ErrBlankQuestion is returned by [Chat.Ask] for empty or whitespace input.
var ErrBlankQuestion = errors.New("oracle: blank question")

// Message is one entry of the chat transcript.
type Message struct {
	Role      Role
	Text      string
	Timestamp time.Time

	// canned marks lines that did not come from the model. They are shown but
	// never sent back as history.
	canned bool
}

// ChatOption configures a [Chat].
type ChatOption func(*Chat)

// WithChatPrompt replaces [DefaultChatPrompt].
func WithChatPrompt(prompt string) ChatOption {
	return func(c *Chat) { c.system = prompt }
}

// WithChatLogger sets the logger. Default: slog.Default().
func WithChatLogger(l *slog.Logger) ChatOption {
	return func(c *Chat) { c.log = l }
}

// WithChatMetrics records provider calls on m under the given provider name.
func WithChatMetrics(m *observe.Metrics, provider string) ChatOption {
	return func(c *Chat) { c.metrics, c.name = m, provider }
}

// WithMaxTokens caps each reply. Zero leaves the provider default.
func WithMaxTokens(n int) ChatOption {
	return func(c *Chat) { c.maxTokens = n }
}

// Chat is a single running conversation with the Owl. It is safe for
// concurrent use; questions are answered one at a time in arrival order.
type Chat struct {
	llm       llm.Provider
	system    string
	maxTokens int
	log       *slog.Logger
	metrics   *observe.Metrics
	name      string
	now       func() time.Time

	askMu sync.Mutex

	mu   sync.Mutex
	msgs []Message
}

// NewChat returns a conversation seeded with the [Welcome] line.
func NewChat(p llm.Provider, opts ...ChatOption) *Chat {
	c := &Chat{
		llm:     p,
		system:  DefaultChatPrompt,
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
		name:    "llm",
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if limit := p.Capabilities().MaxOutputTokens; limit > 0 && c.maxTokens > limit {
		c.log.Warn("oracle: max_tokens exceeds model limit, clamping", "max_tokens", c.maxTokens, "limit", limit)
		c.maxTokens = limit
	}
	c.msgs =[]Message{{Role: RoleModel, Text: Welcome, Timestamp: c.now(), canned: true}}
	return c
}

// Messages returns a copy of the transcript, oldest first.
func (c *Chat) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.msgs)
}

// Ask appends text as a user turn, asks the model and appends its reply.
//
// An empty model answer is replaced by [EmptyReply]. When the provider fails
// the [TransmissionError] line is appended and returned together with the
// wrapped error. Blank input returns [ErrBlankQuestion] and leaves the
// transcript untouched.
func (c *Chat) Ask(ctx context.Context, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrBlankQuestion
	}

	c.askMu.Lock()
	defer c.askMu.Unlock()

	history := c.append(Message{Role: RoleUser, Text: text, Timestamp: c.now()})
	req := llm.CompletionRequest{
		SystemPrompt: c.system,
		Messages:     toLLM(history),
		MaxTokens:    c.maxTokens,
	}

	ctx, done := c.metrics.Begin(ctx, c.name, "llm", "complete")
	resp, err := c.llm.Complete(ctx, req)
	done(err)
	if err != nil {
		observe.Logger(ctx).Warn("oracle: chat completion failed", "provider", c.name, "err", err)
		reply := Message{Role: RoleModel, Text: TransmissionError, Timestamp: c.now(), canned: true}
		c.append(reply)
		return reply, fmt.Errorf("oracle: ask: %w", err)
	}

	reply := Message{Role: RoleModel, Text: resp.Content, Timestamp: c.now()}
	if strings.TrimSpace(resp.Content) == "" {
		reply.Text, reply.canned = EmptyReply, true
	}
	c.append(reply)
	c.log.Debug("oracle: chat reply",
		"chars", len(reply.Text),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return reply, nil
}

// append adds m and returns a snapshot of the transcript including it.
func (c *Chat) append(m Message) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return slices.Clone(c.msgs)
}

func toLLM(msgs []Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.canned {
			continue
		}
		role := llm.RoleUser
		if m.Role == RoleModel {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Text})
	}
	return out
}
