// Package therapy implements the chat-turn processing pipeline.
package therapy

import (
	"context"
	"log/slog"
	"strings"

	"github.com/sereneai/serene-server/internal/domain"
	"github.com/sereneai/serene-server/internal/llm"
	"github.com/sereneai/serene-server/internal/metrics"
	"github.com/sereneai/serene-server/internal/workflow"
)

// fallbackResponse is returned whenever response generation fails. The user
// must always receive a reply.
const fallbackResponse = "I'm here to support you. Could you tell me more about what's on your mind?"

// DefaultRiskThreshold is used when no threshold is configured. An alert
// fires only when the analyzed risk level is strictly greater.
const DefaultRiskThreshold = 4

// TurnInput is one inbound user message plus its session context.
type TurnInput struct {
	Message      string
	History      []domain.Message
	Memory       domain.Memory
	Goals        []string
	SystemPrompt string
}

// TurnResult is the outcome of processing one turn. It is always well-formed;
// failures inside the pipeline degrade to safe defaults.
type TurnResult struct {
	Response string          `json:"response"`
	Analysis domain.Analysis `json:"analysis"`
	Memory   domain.Memory   `json:"updatedMemory"`
}

// Processor runs the per-turn pipeline: analyze the message, merge the
// analysis into memory, alert on high risk, and generate a reply. The two
// gateway calls are strictly sequential because the response prompt depends
// on the analysis output.
type Processor struct {
	gen       llm.Generator
	alerter   Alerter
	steps     workflow.CheckpointStore
	threshold float64
}

// NewProcessor creates a turn processor. steps may be nil, which disables
// checkpointing; alerter may be nil, which disables risk alerts. A negative
// threshold selects DefaultRiskThreshold; zero is a valid threshold that
// alerts on any non-zero risk.
func NewProcessor(gen llm.Generator, alerter Alerter, steps workflow.CheckpointStore, threshold float64) *Processor {
	if threshold < 0 {
		threshold = DefaultRiskThreshold
	}
	return &Processor{gen: gen, alerter: alerter, steps: steps, threshold: threshold}
}

// ProcessMessage executes one chat turn. runID identifies the invocation for
// checkpoint resume: calling again with the same runID skips completed steps.
//
// ProcessMessage never fails from the caller's perspective. Gateway and parse
// errors are absorbed into neutral defaults per step, and any error escaping
// the step boundaries still yields a fallback triple.
func (p *Processor) ProcessMessage(ctx context.Context, runID string, in TurnInput) (result TurnResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("turn processing panicked", "run_id", runID, "panic", r)
			result = fallbackResult(in.Memory)
		}
	}()

	run := workflow.NewRun(runID, p.steps)

	analysis, err := workflow.Step(ctx, run, "analyze-message", func(ctx context.Context) (domain.Analysis, error) {
		return p.analyze(ctx, in), nil
	})
	if err != nil {
		slog.Error("analyze step failed", "run_id", runID, "error", err)
		analysis = domain.NeutralAnalysis()
	}

	memory, err := workflow.Step(ctx, run, "update-memory", func(_ context.Context) (domain.Memory, error) {
		m := in.Memory
		m.Normalize()
		m.Apply(analysis)
		return m, nil
	})
	if err != nil {
		slog.Error("update-memory step failed", "run_id", runID, "error", err)
		memory = in.Memory
	}

	if analysis.RiskLevel > p.threshold {
		if _, err := workflow.Step(ctx, run, "trigger-risk-alert", func(ctx context.Context) (struct{}, error) {
			if p.alerter != nil {
				p.alerter.RiskDetected(ctx, in.Message, analysis.RiskLevel)
			}
			return struct{}{}, nil
		}); err != nil {
			// Alerting is fire-and-forget; a failed emit never fails the turn.
			slog.Warn("risk alert step failed", "run_id", runID, "error", err)
		}
	}

	response, err := workflow.Step(ctx, run, "generate-response", func(ctx context.Context) (string, error) {
		return p.respond(ctx, in, analysis, memory), nil
	})
	if err != nil {
		slog.Error("generate-response step failed", "run_id", runID, "error", err)
		response = fallbackResponse
	}

	return TurnResult{Response: response, Analysis: analysis, Memory: memory}
}

// analyze asks the model for structured insights about the message. Any
// gateway or parse failure is absorbed into a neutral analysis.
func (p *Processor) analyze(ctx context.Context, in TurnInput) domain.Analysis {
	prompt := buildAnalysisPrompt(in.Message, in.Memory, in.Goals)

	text, err := p.gen.GenerateContent(ctx, prompt)
	if err != nil {
		slog.Error("message analysis failed", "error", err)
		metrics.TurnFallbacks.WithLabelValues("analyze-message").Inc()
		return domain.NeutralAnalysis()
	}

	analysis, err := parseAnalysis(text)
	if err != nil {
		slog.Error("failed to parse analysis", "error", err, "text", text)
		metrics.TurnFallbacks.WithLabelValues("analyze-message").Inc()
		return domain.NeutralAnalysis()
	}
	return analysis
}

// respond generates the therapeutic reply. Gateway failure degrades to the
// fixed supportive deflection.
func (p *Processor) respond(ctx context.Context, in TurnInput, analysis domain.Analysis, memory domain.Memory) string {
	systemPrompt := in.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	prompt := buildResponsePrompt(systemPrompt, in.Message, analysis, memory, in.Goals)

	text, err := p.gen.GenerateContent(ctx, prompt)
	if err != nil {
		slog.Error("response generation failed", "error", err)
		metrics.TurnFallbacks.WithLabelValues("generate-response").Inc()
		return fallbackResponse
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return fallbackResponse
	}
	return text
}

func fallbackResult(memory domain.Memory) TurnResult {
	memory.Normalize()
	return TurnResult{
		Response: fallbackResponse,
		Analysis: domain.NeutralAnalysis(),
		Memory:   memory,
	}
}
