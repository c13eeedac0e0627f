package kestrel

import (
	"context"
	"strings"
)

const (
	// runesPerToken is the rune-count heuristic used to convert the
	// backend's token context budget into a history budget.
	runesPerToken = 4
	// summarizeFillRatio is the context-fill fraction at which history
	// summarization triggers.
	summarizeFillRatio = 0.6
	// summarizeKeepRecent is the number of most recent messages always
	// kept verbatim.
	summarizeKeepRecent = 6
	// defaultContextTokens is assumed when the backend does not report a
	// context size.
	defaultContextTokens = 2048

	summaryPrefix = "[Summary of earlier conversation]\n"
)

const summarizeSystemPrompt = "Summarize the following conversation concisely. " +
	"Preserve key facts, decisions, names, and open questions. Omit pleasantries and redundant detail."

// EnableSummarization turns on the auto-summarization policy: after each
// generation, when accumulated history exceeds the context budget, the
// oldest span of messages is folded into a single summary message. The
// system prompt and the most recent messages stay verbatim.
func (a *Agent) EnableSummarization() {
	a.summarizeOn = true
}

// maybeSummarize applies the summarization policy once. Idempotent: a
// second pass with no new messages finds the history under budget (or only
// a summary left to fold) and changes nothing. A summarization failure is
// logged and the history left untouched.
func (a *Agent) maybeSummarize(ctx context.Context) {
	if !a.summarizeOn || !a.cfg.history {
		return
	}
	budget := a.model.Info().ContextSize
	if budget <= 0 {
		budget = defaultContextTokens
	}
	threshold := int(float64(budget) * runesPerToken * summarizeFillRatio)
	if a.conv.runeCount() <= threshold {
		return
	}

	msgs := a.conv.History()
	start := 0
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		start = 1
	}
	end := len(msgs) - summarizeKeepRecent
	if end <= start {
		return
	}
	span := msgs[start:end]
	if len(span) == 1 && strings.HasPrefix(span[0].Content, summaryPrefix) {
		// Already folded down to a single summary; nothing left to do.
		return
	}

	var b strings.Builder
	for _, m := range span {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}

	resp, err := a.model.Generate(ctx, ChatRequest{
		Messages: []Message{
			SystemMessage(summarizeSystemPrompt),
			UserMessage(b.String()),
		},
		Temperature: 0,
	})
	if err != nil {
		a.logger.Warn("history summarization failed, continuing unsummarized", "error", err)
		return
	}

	a.conv.replaceRange(start, end, UserMessage(summaryPrefix+resp.Content))
	a.logger.Info("history summarized",
		"messages_folded", len(span),
		"runes_after", a.conv.runeCount())
}
