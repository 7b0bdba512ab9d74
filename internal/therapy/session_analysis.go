package therapy

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/sereneai/serene-server/internal/domain"
	"github.com/sereneai/serene-server/internal/llm"
	"github.com/sereneai/serene-server/internal/workflow"
)

// SessionAnalysis summarizes a whole session after it ends.
type SessionAnalysis struct {
	KeyThemes          []string `json:"keyThemes"`
	EmotionalState     string   `json:"emotionalState"`
	AreasOfConcern     []string `json:"areasOfConcern"`
	Recommendations    []string `json:"recommendations"`
	ProgressIndicators []string `json:"progressIndicators"`
}

// SessionAnalyzer produces an end-of-session summary from the transcript.
type SessionAnalyzer struct {
	gen     llm.Generator
	alerter Alerter
	steps   workflow.CheckpointStore
}

// NewSessionAnalyzer creates a session analyzer. steps may be nil.
func NewSessionAnalyzer(gen llm.Generator, alerter Alerter, steps workflow.CheckpointStore) *SessionAnalyzer {
	return &SessionAnalyzer{gen: gen, alerter: alerter, steps: steps}
}

// AnalyzeSession summarizes the session transcript with one gateway call.
// Unlike per-turn processing, failures here surface as errors: there is no
// user waiting for a reply and the caller decides whether a missing summary
// matters.
func (a *SessionAnalyzer) AnalyzeSession(ctx context.Context, runID, sessionID string, messages []domain.Message) (SessionAnalysis, error) {
	run := workflow.NewRun(runID, a.steps)

	transcript, err := workflow.Step(ctx, run, "get-session-content", func(_ context.Context) (string, error) {
		return renderTranscript(messages), nil
	})
	if err != nil {
		return SessionAnalysis{}, err
	}

	analysis, err := workflow.Step(ctx, run, "analyze-session", func(ctx context.Context) (SessionAnalysis, error) {
		prompt := fmt.Sprintf(`Analyze this therapy session and provide insights:
Session Content: %s

Please provide:
1. Key themes and topics discussed
2. Emotional state analysis
3. Potential areas of concern
4. Recommendations for follow-up
5. Progress indicators

Return ONLY a valid JSON object with this structure:
{
  "keyThemes": ["string"],
  "emotionalState": "string",
  "areasOfConcern": ["string"],
  "recommendations": ["string"],
  "progressIndicators": ["string"]
}`, transcript)

		text, err := a.gen.GenerateContent(ctx, prompt)
		if err != nil {
			return SessionAnalysis{}, err
		}

		var parsed SessionAnalysis
		if err := json.Unmarshal([]byte(stripFences(text)), &parsed); err != nil {
			return SessionAnalysis{}, fmt.Errorf("parse session analysis: %w", err)
		}
		return parsed, nil
	})
	if err != nil {
		return SessionAnalysis{}, err
	}

	if len(analysis.AreasOfConcern) > 0 && a.alerter != nil {
		if _, err := workflow.Step(ctx, run, "trigger-concern-alert", func(ctx context.Context) (struct{}, error) {
			a.alerter.ConcernDetected(ctx, sessionID, analysis.AreasOfConcern)
			return struct{}{}, nil
		}); err != nil {
			return analysis, nil
		}
	}

	return analysis, nil
}

func renderTranscript(messages []domain.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
