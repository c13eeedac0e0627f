package kestrel

import "sync"

// Conversation is the ordered message log owned by one Agent. It is the
// source of truth for the context passed into every generation call.
//
// The log is append-only except for Clear, which drops everything but the
// original system prompt. All methods are safe for concurrent use, but the
// Agent guarantees at most one in-flight generation mutates it at a time.
type Conversation struct {
	mu           sync.Mutex
	systemPrompt string
	msgs         []Message
}

// NewConversation creates a conversation log. A non-empty systemPrompt is
// inserted as the first message and survives Clear.
func NewConversation(systemPrompt string) *Conversation {
	c := &Conversation{systemPrompt: systemPrompt}
	if systemPrompt != "" {
		c.msgs = append(c.msgs, SystemMessage(systemPrompt))
	}
	return c
}

// Add validates the role and appends a message.
func (c *Conversation) Add(role, content string) error {
	m, err := NewMessage(role, content)
	if err != nil {
		return err
	}
	c.append(m)
	return nil
}

// append appends an already-validated message.
func (c *Conversation) append(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

// History returns a copy of the log in insertion order.
func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Len returns the number of messages, system prompt included.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// Clear removes all non-system messages. The original system prompt entry,
// when present, is preserved.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = c.msgs[:0]
	if c.systemPrompt != "" {
		c.msgs = append(c.msgs, SystemMessage(c.systemPrompt))
	}
}

// runeCount returns the total rune count of all message content, the
// unit the summarization policy budgets in.
func (c *Conversation) runeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, m := range c.msgs {
		n += len([]rune(m.Content))
	}
	return n
}

// replaceRange replaces msgs[start:end] with the single message m.
// Used by the summarization policy to fold old history.
func (c *Conversation) replaceRange(start, end int, m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if start < 0 || end > len(c.msgs) || start >= end {
		return
	}
	out := make([]Message, 0, len(c.msgs)-(end-start)+1)
	out = append(out, c.msgs[:start]...)
	out = append(out, m)
	out = append(out, c.msgs[end:]...)
	c.msgs = out
}
