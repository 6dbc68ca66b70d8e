package memory

// reflect.go distills conversation history into memory records through a
// two-stage LLM contract: stage one extracts first-person events, stage two
// scores their long-term importance. Only events at or above the configured
// importance threshold are persisted.

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/liliang-cn/livingmemory/internal/jsonutil"
	"github.com/liliang-cn/livingmemory/pkg/config"
	"github.com/liliang-cn/livingmemory/pkg/core"
)

// defaultExtractionPrompt drives stage one. It asks for independent,
// first-person event descriptions with concrete names, merged across
// consecutive turns that form one episode.
const defaultExtractionPrompt = `### Role
You are an analytical assistant. You record your interactions with users from your own first-person perspective.

### Task
1. Read the conversation history below carefully.
2. Extract independent, meaningful memory events from your (the assistant's) point of view. Events must be accurate, complete, and grounded in the conversation; never invent or alter events.
3. Core rules:
   * First person: describe every event starting from "I", e.g. "I was told ...", "I observed ...".
   * Concrete names: use the participant names that appear in the conversation; never write generic words like "the user" when a name is available.
   * Record the counterpart: always note who you interacted with.
   * Merge: when several consecutive turns form one complete episode, summarize them as a single event with its cause and outcome.
4. Output only the extraction result; no scores, no commentary, no preamble.`

// defaultEvaluationPrompt drives stage two. The scale mirrors how useful a
// memory is for future personalized conversation.
const defaultEvaluationPrompt = `### Role
You are an analytical model that rates the long-term value of memories. Judge how much each memory would help future personalized conversations with this user.

### Scale
* High value (0.8 - 1.0): core identity, stable preferences or aversions, goals, important relationships or facts. Almost always referenced again, e.g. the user's name, profession, key interests.
* Medium value (0.4 - 0.7): concrete suggestions, feature requests, opinions, one-off but significant questions. Useful short-term or within a topic.
* Low value (0.1 - 0.3): transient emotions, routine greetings, highly specific context unlikely to recur.
* No value (0.0): purely momentary information carrying nothing reusable about the user.`

// extractionSchema is appended to the stage-one prompt so the model returns
// a decodable envelope.
const extractionSchema = `{
  "type": "object",
  "required": ["events"],
  "properties": {
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["temp_id", "memory_content"],
        "properties": {
          "temp_id": {"type": "string", "description": "unique temporary id for score matching"},
          "memory_content": {"type": "string", "description": "complete first-person event description"},
          "event_type": {"type": "string", "enum": ["fact", "preference", "goal", "opinion", "relationship", "other"]},
          "entities": {"type": "array", "items": {"type": "object", "required": ["name", "type"], "properties": {"name": {"type": "string"}, "type": {"type": "string"}}}},
          "related_event_ids": {"type": "array", "items": {"type": "integer"}},
          "metadata": {"type": "object"}
        }
      }
    }
  }
}`

// evaluationSchema is appended to the stage-two prompt.
const evaluationSchema = `{
  "type": "object",
  "required": ["scores"],
  "properties": {
    "scores": {
      "type": "object",
      "description": "temp_id -> importance score in [0.0, 1.0]",
      "additionalProperties": {"type": "number"}
    }
  }
}`

// Reflector runs the two-stage reflection pipeline over history snapshots
// handed to it by the plugin host.
type Reflector struct {
	manager *Manager
	chatter Chatter
	cfg     config.ReflectionEngineConfig
	logger  core.Logger
}

// NewReflector builds a reflection engine. Custom prompts in cfg override
// the built-in defaults; the JSON schema instructions are always appended.
func NewReflector(m *Manager, chatter Chatter, cfg config.ReflectionEngineConfig, logger core.Logger) *Reflector {
	if logger == nil {
		logger = core.NopLogger()
	}
	return &Reflector{manager: m, chatter: chatter, cfg: cfg, logger: logger}
}

// extractionEnvelope is the stage-one reply shape.
type extractionEnvelope struct {
	Events []MemoryEvent `json:"events"`
}

// scoreEnvelope is the stage-two reply shape.
type scoreEnvelope struct {
	Scores map[string]float64 `json:"scores"`
}

// Run executes extraction, evaluation and persistence over one history
// snapshot and returns how many events were stored. Transport failures are
// returned so the caller can retry; malformed LLM output is logged and
// treated as "nothing extracted".
func (r *Reflector) Run(ctx context.Context, history []Turn, sessionID, personaID, personaPrompt string) (int, error) {
	historyText := formatHistory(history)
	if historyText == "" {
		r.logger.Debug("empty history, skipping reflection", "session_id", sessionID)
		return 0, nil
	}

	log := r.logger.With("session_id", sessionID)

	events, err := r.extractEvents(ctx, historyText, personaPrompt)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		log.Info("no memory events extracted from conversation")
		return 0, nil
	}
	log.Info("extracted memory events", "count", len(events))

	scores, err := r.evaluateScores(ctx, events, personaPrompt)
	if err != nil {
		return 0, err
	}
	log.Info("received importance scores", "count", len(scores))

	stored, ignored := 0, 0
	for _, event := range events {
		score, ok := scores[event.TempID]
		if !ok {
			log.Warn("no score returned for event, skipping", "temp_id", event.TempID)
			continue
		}
		score = clampUnit(score)

		if score < r.cfg.ImportanceThreshold {
			ignored++
			log.Debug("ignoring low-importance event", "temp_id", event.TempID, "score", score)
			continue
		}

		extra := make(map[string]any, len(event.Metadata)+2)
		for k, v := range event.Metadata {
			extra[k] = v
		}
		extra["temp_id"] = event.TempID
		if len(event.RelatedEventIDs) > 0 {
			extra["related_event_ids"] = event.RelatedEventIDs
		}

		id, err := r.manager.Add(ctx, AddInput{
			Content:    event.MemoryContent,
			Importance: score,
			SessionID:  sessionID,
			PersonaID:  personaID,
			EventType:  event.EventType,
			Entities:   event.Entities,
			Extra:      extra,
		})
		if err != nil {
			log.Error("failed to persist memory event", "temp_id", event.TempID, "error", err)
			continue
		}
		stored++
		log.Debug("stored memory event", "id", id, "score", score)
	}

	log.Info("reflection finished", "stored", stored, "ignored", ignored)
	return stored, nil
}

// extractEvents runs stage one. Undecodable or schema-violating replies are
// logged and returned as an empty list; retrying is the caller's decision.
func (r *Reflector) extractEvents(ctx context.Context, historyText, personaPrompt string) ([]MemoryEvent, error) {
	system := r.extractionPrompt()
	user := personaSection(personaPrompt, "analyzing") +
		"Here is the conversation history to analyze:\n" + historyText

	reply, err := r.chatter.Chat(ctx, system, user, true)
	if err != nil {
		return nil, core.WrapError("reflect.extract", fmt.Errorf("%w: %v", core.ErrExternalFailure, err))
	}

	var envelope extractionEnvelope
	if err := jsonutil.Decode(reply, &envelope); err != nil {
		r.logger.Error("event extraction reply was not valid JSON", "error", err, "reply", reply)
		return nil, nil
	}

	events := make([]MemoryEvent, 0, len(envelope.Events))
	for _, event := range envelope.Events {
		if !event.normalize() {
			r.logger.Warn("dropping malformed event from extraction reply", "temp_id", event.TempID)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// evaluateScores runs stage two over the extracted events.
func (r *Reflector) evaluateScores(ctx context.Context, events []MemoryEvent, personaPrompt string) (map[string]float64, error) {
	if len(events) == 0 {
		return map[string]float64{}, nil
	}

	type item struct {
		TempID  string `json:"temp_id"`
		Content string `json:"content"`
	}
	items := make([]item, len(events))
	for i, e := range events {
		items[i] = item{TempID: e.TempID, Content: e.MemoryContent}
	}
	payload, err := json.MarshalIndent(map[string]any{"memories": items}, "", "  ")
	if err != nil {
		return nil, core.WrapError("reflect.evaluate", err)
	}

	system := r.evaluationPrompt()
	user := personaSection(personaPrompt, "scoring") + string(payload)

	reply, err := r.chatter.Chat(ctx, system, user, true)
	if err != nil {
		return nil, core.WrapError("reflect.evaluate", fmt.Errorf("%w: %v", core.ErrExternalFailure, err))
	}

	var envelope scoreEnvelope
	if err := jsonutil.Decode(reply, &envelope); err != nil {
		r.logger.Error("score evaluation reply was not valid JSON", "error", err, "reply", reply)
		return map[string]float64{}, nil
	}
	if envelope.Scores == nil {
		return map[string]float64{}, nil
	}
	return envelope.Scores, nil
}

// extractionPrompt assembles the stage-one system prompt.
func (r *Reflector) extractionPrompt() string {
	base := strings.TrimSpace(r.cfg.EventExtractionPrompt)
	if base == "" {
		base = defaultExtractionPrompt
	}
	return base + `

### Output format
Return one JSON object matching this schema. Assign every event a unique temp_id string.

` + "```json\n" + extractionSchema + "\n```"
}

// evaluationPrompt assembles the stage-two system prompt.
func (r *Reflector) evaluationPrompt() string {
	base := strings.TrimSpace(r.cfg.EvaluationPrompt)
	if base == "" {
		base = defaultEvaluationPrompt
	}
	return base + `

### Output format
The input is a JSON object holding memories, each with a temp_id. Score every one of them and return one JSON object matching this schema, keyed by temp_id.

` + "```json\n" + evaluationSchema + "\n```" + `

Example:
` + "```json" + `
{"scores": {"event_1": 0.8, "user_preference_1": 0.9}}
` + "```"
}

// personaSection renders the persona block injected ahead of the user
// payload in both stages. verb distinguishes the two stages' instructions.
func personaSection(personaPrompt, verb string) string {
	if personaPrompt == "" {
		return ""
	}
	return fmt.Sprintf("Important: adopt the following persona while %s, but keep recording the people you interact with:\n<persona>%s</persona>\n\n", verb, personaPrompt)
}

// formatHistory flattens a history snapshot into "role: content" lines,
// keeping only user and assistant turns.
func formatHistory(history []Turn) string {
	if len(history) == 0 {
		return ""
	}
	lines := make([]string, 0, len(history))
	for _, t := range history {
		if t.Role != "user" && t.Role != "assistant" {
			continue
		}
		lines = append(lines, t.Role+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}
