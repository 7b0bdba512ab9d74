package therapy

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/sereneai/serene-server/internal/domain"
)

// DefaultSystemPrompt frames the assistant's role for response generation.
const DefaultSystemPrompt = `You are an AI therapist assistant. Your role is to:
1. Provide empathetic and supportive responses
2. Use evidence-based therapeutic techniques
3. Maintain professional boundaries
4. Monitor for risk factors
5. Guide users toward their therapeutic goals`

// escapeForPrompt escapes a user message so it cannot break the JSON context
// embedded in a prompt.
var escapeForPrompt = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
).Replace

func buildAnalysisPrompt(message string, memory domain.Memory, goals []string) string {
	context, _ := json.Marshal(map[string]any{
		"memory": memory,
		"goals":  goals,
	})

	return fmt.Sprintf(`Analyze this therapy message and provide insights. Return ONLY a valid JSON object with no markdown formatting or additional text.
Message: "%s"
Context: %s

Required JSON structure:
{
  "emotionalState": "string",
  "themes": ["string"],
  "riskLevel": number,
  "recommendedApproach": "string",
  "progressIndicators": ["string"]
}`, escapeForPrompt(message), context)
}

func buildResponsePrompt(systemPrompt, message string, analysis domain.Analysis, memory domain.Memory, goals []string) string {
	analysisJSON, _ := json.Marshal(analysis)
	memoryJSON, _ := json.Marshal(memory)
	goalsJSON, _ := json.Marshal(goals)

	return fmt.Sprintf(`%s

Based on the following context, generate a therapeutic response:
Message: "%s"
Analysis: %s
Memory: %s
Goals: %s

Provide a response that:
1. Addresses the immediate emotional needs
2. Uses appropriate therapeutic techniques
3. Shows empathy and understanding
4. Maintains professional boundaries
5. Considers safety and well-being`,
		systemPrompt, escapeForPrompt(message), analysisJSON, memoryJSON, goalsJSON)
}

// stripFences removes a markdown code-fence wrapper from model output, so
// fenced JSON parses identically to bare JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// parseAnalysis decodes model output into an Analysis, tolerating markdown
// fences around the JSON body.
func parseAnalysis(text string) (domain.Analysis, error) {
	var analysis domain.Analysis
	if err := json.Unmarshal([]byte(stripFences(text)), &analysis); err != nil {
		return domain.Analysis{}, fmt.Errorf("parse analysis: %w", err)
	}
	if analysis.Themes == nil {
		analysis.Themes = []string{}
	}
	if analysis.ProgressIndicators == nil {
		analysis.ProgressIndicators = []string{}
	}
	return analysis, nil
}
