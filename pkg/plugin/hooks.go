package plugin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/liliang-cn/livingmemory/pkg/memory"
)

// Retry budgets. Recall sits on the request path and gets one quick retry;
// reflection runs in the background and can afford a slower schedule.
const (
	recallRetries     = 1
	recallBackoff     = 500 * time.Millisecond
	reflectionRetries = 2
	reflectionBackoff = time.Second
	reflectionTimeout = 5 * time.Minute
)

// Injection block delimiters. The block is prepended to the system prompt,
// so the fences keep recalled text visually separate from the persona.
const (
	injectionHeader = "=== Long-term memories (auto-recalled) ==="
	injectionFooter = "=== End of memories ==="
)

// PreLLMHook runs before the LLM call of one chat message. It refreshes the
// session, recalls memories relevant to the prompt and buffers the user
// turn. The return value is the block to prepend to the system prompt, empty
// when nothing was recalled or the engine is not ready.
func (h *Host) PreLLMHook(ctx context.Context, sessionID, personaID, prompt string) string {
	if !h.waitReady(ctx) {
		h.logger.Debug("memory engine not ready, skipping recall")
		return ""
	}
	if sessionID == "" || strings.TrimSpace(prompt) == "" {
		return ""
	}
	eng := h.Engine()

	eng.Sessions().Touch(sessionID)

	hits := h.recallWithRetry(ctx, prompt, personaID)
	injection := FormatInjection(hits)
	if injection != "" {
		h.logger.Info("injecting recalled memories", "session_id", sessionID, "count", len(hits))
	}

	// Buffer the turn after recall so the question itself is not recalled
	// as context for its own answer.
	eng.Sessions().Append(sessionID, memory.Turn{Role: "user", Content: prompt})

	return injection
}

// PostLLMHook runs after the LLM reply of one chat message. It buffers the
// assistant turn and, once the round counter reaches the configured trigger,
// hands the session history to a background reflection pass and resets the
// buffer.
func (h *Host) PostLLMHook(ctx context.Context, sessionID, personaID, reply string) {
	if !h.waitReady(ctx) {
		return
	}
	if sessionID == "" || reply == "" {
		return
	}
	eng := h.Engine()

	rounds, ok := eng.Sessions().CompleteRound(sessionID, memory.Turn{Role: "assistant", Content: reply})
	if !ok {
		// Session evicted or expired between the two hooks; the round is
		// lost, which beats resurrecting a session the manager chose to
		// drop.
		h.logger.Debug("reply for unknown session dropped", "session_id", sessionID)
		return
	}

	trigger := h.currentConfig().ReflectionEngine.SummaryTriggerRounds
	if trigger <= 0 || rounds < trigger {
		return
	}

	history := eng.Sessions().SnapshotAndReset(sessionID)
	if len(history) == 0 {
		return
	}
	h.spawnReflection(history, sessionID, personaID)
}

// recallWithRetry performs one recall with a single quick retry. Failures
// are logged and swallowed: a chat message must never fail because memory
// lookup did. Recall is persona-scoped but deliberately not session-scoped;
// memories earned in past sessions are exactly the ones worth injecting.
func (h *Host) recallWithRetry(ctx context.Context, query, personaID string) []memory.ScoredRecord {
	eng := h.Engine()
	var lastErr error
	for attempt := 0; attempt <= recallRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(recallBackoff):
			}
		}
		hits, err := eng.Recall().Recall(ctx, query, "", personaID, 0)
		if err == nil {
			return hits
		}
		lastErr = err
	}
	h.logger.Warn("memory recall failed, continuing without injection", "error", lastErr)
	return nil
}

// spawnReflection runs the reflection pipeline on a tracked goroutine with
// retries. The task id correlates the log lines of one history window across
// attempts.
func (h *Host) spawnReflection(history []memory.Turn, sessionID, personaID string) {
	taskID := uuid.NewString()
	personaPrompt := h.personaPrompt(personaID)

	h.tasks.Add(1)
	go func() {
		defer h.tasks.Done()
		logger := h.logger.With("task_id", taskID, "session_id", sessionID)

		ctx, cancel := context.WithTimeout(h.ctx, reflectionTimeout)
		defer cancel()

		backoff := reflectionBackoff
		for attempt := 0; ; attempt++ {
			stored, err := h.Engine().Reflect().Run(ctx, history, sessionID, personaID, personaPrompt)
			if err == nil {
				logger.Info("reflection finished", "turns", len(history), "stored", stored)
				return
			}
			if ctx.Err() != nil {
				logger.Info("reflection canceled", "error", err)
				return
			}
			if attempt >= reflectionRetries {
				logger.Error("reflection failed, history window lost", "error", err)
				return
			}
			logger.Warn("reflection attempt failed, retrying",
				"attempt", attempt+1, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}()
}

// FormatInjection renders recalled memories as the fenced block injected
// into the system prompt. Empty input renders to the empty string.
func FormatInjection(records []memory.ScoredRecord) string {
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(injectionHeader)
	b.WriteByte('\n')
	for _, rec := range records {
		fmt.Fprintf(&b, "- [importance: %.2f] %s\n", rec.Metadata.Importance, rec.Content)
	}
	b.WriteString(injectionFooter)
	return b.String()
}
