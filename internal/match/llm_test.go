package match

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/po-intake/internal/model"
	"github.com/sells-group/po-intake/pkg/anthropic"
)

func TestParseArbitrationResponse(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantNil    bool
		wantID     string
		wantConf   float64
		wantErrSub string
	}{
		{
			name:     "plain json accept",
			text:     `{"accepted_id": "cust-1", "confidence": 0.82, "rationale": "clear match"}`,
			wantID:   "cust-1",
			wantConf: 0.82,
		},
		{
			name:     "fenced json",
			text:     "```json\n{\"accepted_id\": \"item-9\", \"confidence\": 0.91, \"rationale\": \"sku matches\"}\n```",
			wantID:   "item-9",
			wantConf: 0.91,
		},
		{
			name:    "explicit null decline",
			text:    `{"accepted_id": null, "confidence": 0.3, "rationale": "ambiguous"}`,
			wantNil: true,
		},
		{
			name:    "empty string decline",
			text:    `{"accepted_id": "", "confidence": 0.3}`,
			wantNil: true,
		},
		{
			name:       "malformed",
			text:       "I think it's probably ACME",
			wantErrSub: "decode arbitration response",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := parseArbitrationResponse(tt.text)
			if tt.wantErrSub != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErrSub)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, d)
				return
			}
			require.NotNil(t, d)
			assert.Equal(t, tt.wantID, d.AcceptedID)
			assert.InDelta(t, tt.wantConf, d.Confidence, 1e-9)
		})
	}
}

func TestParseArbitrationResponseCarriesRationale(t *testing.T) {
	d, err := parseArbitrationResponse(`{"accepted_id": "cust-1", "confidence": 0.8, "rationale": "domain and name agree"}`)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Len(t, d.Evidence, 1)
	assert.Contains(t, d.Evidence[0], "domain and name agree")
}

func TestBuildArbitrationPrompt(t *testing.T) {
	prompt, err := buildArbitrationPrompt(model.KindCustomer,
		model.Reference{Text: "ACME SUPLY CO", EmailDomain: "acme.com"},
		[]ArbCandidate{{EntityID: "cust-1", Name: "ACME Corporation", Similarity: 0.74}})
	require.NoError(t, err)
	assert.Contains(t, prompt, `"ACME SUPLY CO"`)
	assert.Contains(t, prompt, `"cust-1"`)
	assert.Contains(t, prompt, `"acme.com"`)
}

// fakeAnthropicClient returns a canned response.
type fakeAnthropicClient struct {
	resp *anthropic.MessageResponse
	err  error
	got  anthropic.MessageRequest
}

func (f *fakeAnthropicClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.got = req
	return f.resp, f.err
}

func TestAnthropicArbitrator(t *testing.T) {
	client := &fakeAnthropicClient{
		resp: &anthropic.MessageResponse{
			Content: []anthropic.ContentBlock{{Type: "text",
				Text: `{"accepted_id": "cust-1", "confidence": 0.85, "rationale": "ok"}`}},
		},
	}
	arb := NewAnthropicArbitrator(client, "claude-haiku-4-5-20251001", 512)

	d, err := arb.Arbitrate(context.Background(), model.KindCustomer,
		model.Reference{Text: "acme"},
		[]ArbCandidate{{EntityID: "cust-1", Name: "ACME Corporation", Similarity: 0.7}})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "cust-1", d.AcceptedID)

	// The static system prompt goes out with a cache breakpoint.
	require.Len(t, client.got.System, 1)
	assert.NotNil(t, client.got.System[0].CacheControl)
	assert.Equal(t, int64(512), client.got.MaxTokens)
}

func TestMockArbitratorDefaultsToDecline(t *testing.T) {
	d, err := (&MockArbitrator{}).Arbitrate(context.Background(), model.KindItem, model.Reference{}, nil)
	require.NoError(t, err)
	assert.Nil(t, d)
}
