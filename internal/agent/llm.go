package agent

import (
	"context"
	"fmt"
	"strings"
)

// Generator is a single-shot LLM completion. The default capability is built
// on it; richer agent runtimes plug in behind the Capability interface
// instead.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const analystSystemPrompt = `You are a commercial real estate analyst for an institutional property company.
Ground every claim in the supplied context and state what evidence is missing.
RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{"summary": "...", "recommendation": "...", "keyFindings": ["..."], "rationale": "...", "confidence": 0.0, "nextSteps": ["..."]}
Do not include any other text or explanation.`

// LLMCapability is the non-streaming default capability: one completion per
// run, no tool calls, no interruptions.
type LLMCapability struct {
	generator Generator
}

// NewLLMCapability wraps a generator as a run capability.
func NewLLMCapability(g Generator) (*LLMCapability, error) {
	if g == nil {
		return nil, fmt.Errorf("generator required")
	}
	return &LLMCapability{generator: g}, nil
}

// Run executes one completion and returns it as a terminal result.
func (c *LLMCapability) Run(ctx context.Context, req Request) (Invocation, error) {
	var b strings.Builder
	if len(req.MemoryContext) > 0 {
		b.WriteString("RELEVANT MEMORY:\n")
		for _, line := range req.MemoryContext {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	for _, m := range req.InputMessages {
		b.WriteString(strings.ToUpper(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}

	out, err := c.generator.Generate(ctx, analystSystemPrompt, b.String())
	if err != nil {
		return Invocation{}, fmt.Errorf("generate: %w", err)
	}
	return Invocation{Result: &Result{FinalOutput: out}}, nil
}
