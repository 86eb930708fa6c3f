package match

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/po-intake/internal/model"
	"github.com/sells-group/po-intake/pkg/anthropic"
)

// ArbCandidate is one shortlisted entity presented to the arbitration model.
type ArbCandidate struct {
	EntityID   string   `json:"entity_id"`
	Name       string   `json:"name"`
	Similarity float64  `json:"similarity"`
	Evidence   []string `json:"evidence,omitempty"`
}

// Decision is the model's verdict. A nil Decision (or empty AcceptedID)
// means the model declined to commit to any candidate.
type Decision struct {
	AcceptedID string
	Confidence float64
	Evidence   []string
}

// Arbitrator makes the final accept/reject call when the deterministic
// stages cannot.
type Arbitrator interface {
	Arbitrate(ctx context.Context, kind model.EntityKind, ref model.Reference, candidates []ArbCandidate) (*Decision, error)
}

const arbitrationSystemPrompt = `You adjudicate entity resolution for purchase-order intake. You are given a noisy
textual reference extracted from a purchase order plus a shortlist of candidate
database entities with similarity scores and rule evidence. Decide whether the
reference unambiguously refers to exactly one candidate.

Respond with ONLY a JSON object:
{"accepted_id": "<entity_id or null>", "confidence": <0.0-1.0>, "rationale": "<one sentence>"}

Accept a candidate only when the reference clearly denotes it. When the
reference is ambiguous between candidates, or none fit, set accepted_id to null.`

// AnthropicArbitrator implements Arbitrator over the Anthropic messages API.
type AnthropicArbitrator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicArbitrator(client anthropic.Client, model string, maxTokens int64) *AnthropicArbitrator {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicArbitrator{client: client, model: model, maxTokens: maxTokens}
}

func (a *AnthropicArbitrator) Arbitrate(ctx context.Context, kind model.EntityKind, ref model.Reference, candidates []ArbCandidate) (*Decision, error) {
	prompt, err := buildArbitrationPrompt(kind, ref, candidates)
	if err != nil {
		return nil, err
	}

	temp := 0.0
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(arbitrationSystemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "match: arbitration call")
	}
	resp.Usage.LogCost(a.model, "arbitration")

	return parseArbitrationResponse(resp.Text())
}

func buildArbitrationPrompt(kind model.EntityKind, ref model.Reference, candidates []ArbCandidate) (string, error) {
	payload := struct {
		Kind       model.EntityKind `json:"kind"`
		Reference  model.Reference  `json:"reference"`
		Candidates []ArbCandidate   `json:"candidates"`
	}{kind, ref, candidates}

	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "match: encode arbitration prompt")
	}
	return fmt.Sprintf("Resolve this reference:\n\n%s", body), nil
}

type arbitrationResponse struct {
	AcceptedID *string `json:"accepted_id"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// parseArbitrationResponse decodes the model's JSON verdict, tolerating a
// markdown code fence around it.
func parseArbitrationResponse(text string) (*Decision, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	var parsed arbitrationResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, eris.Wrapf(err, "match: decode arbitration response %q", text)
	}

	if parsed.AcceptedID == nil || *parsed.AcceptedID == "" {
		return nil, nil
	}
	d := &Decision{
		AcceptedID: *parsed.AcceptedID,
		Confidence: parsed.Confidence,
	}
	if parsed.Rationale != "" {
		d.Evidence = []string{"arbitration: " + parsed.Rationale}
	}
	return d, nil
}

// MockArbitrator is a test double with function-field injection.
type MockArbitrator struct {
	ArbitrateFunc func(ctx context.Context, kind model.EntityKind, ref model.Reference, candidates []ArbCandidate) (*Decision, error)
}

func (m *MockArbitrator) Arbitrate(ctx context.Context, kind model.EntityKind, ref model.Reference, candidates []ArbCandidate) (*Decision, error) {
	if m.ArbitrateFunc != nil {
		return m.ArbitrateFunc(ctx, kind, ref, candidates)
	}
	return nil, nil
}
