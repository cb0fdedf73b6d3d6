// Package judge asks the scoring oracle for an evaluation once per match and
// turns it into a recorded winner.
package judge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"debatenow/models"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const DefaultModel = "gemini-1.5-flash"

const defaultCriteria = `Please evaluate this debate based on:
1. Strength of arguments
2. Quality of evidence
3. Clarity of presentation
4. Response to opposing arguments
5. Overall persuasiveness`

const noTranscript = "(No transcript available)"

// Request is everything the oracle sees of a finished debate.
type Request struct {
	InitiatorRole       string
	ReceiverRole        string
	InitiatorTranscript string
	ReceiverTranscript  string
	// Criteria replaces the default evaluation criteria when set.
	Criteria string
	Penalty  *models.DominancePenalty
}

// Oracle scores a debate and returns a free-text evaluation.
type Oracle interface {
	Evaluate(ctx context.Context, req Request) (string, error)
}

// RequestFor builds the oracle request for a match.
func RequestFor(m *models.Match) Request {
	return Request{
		InitiatorRole:       m.InitiatorRole,
		ReceiverRole:        m.ReceiverRole,
		InitiatorTranscript: m.InitiatorTranscript,
		ReceiverTranscript:  m.ReceiverTranscript,
		Penalty:             m.DominancePenalty,
	}
}

func speakerName(p models.Party) string {
	if p == models.PartyInitiator {
		return "first speaker"
	}
	return "second speaker"
}

func percent(share float64) int {
	return int(math.Round(share * 100))
}

func systemPrompt(req Request) string {
	criteria := req.Criteria
	if criteria == "" {
		criteria = defaultCriteria
	}
	if p := req.Penalty; p != nil {
		speaker := speakerName(p.AppliedTo)
		criteria += fmt.Sprintf("\n\nIMPORTANT: The %s dominated the open discussion period by taking %d%% of the speaking time, which violates debate fairness rules. According to the rules, this results in an automatic loss for the %s, regardless of argument quality.",
			speaker, percent(p.Percentage), speaker)
	}
	return fmt.Sprintf(`You are an expert debate judge evaluating a debate between %s (first speaker) and %s (second speaker).

%s

Provide a fair, detailed analysis with specific examples from the debate.
Choose a winner and explain your reasoning clearly. Format your response with these sections:
- Summary of the debate
- Strengths and weaknesses of each debater
- Final decision with reasoning`, req.InitiatorRole, req.ReceiverRole, criteria)
}

func userPrompt(req Request) string {
	initiator := strings.TrimSpace(req.InitiatorTranscript)
	if initiator == "" {
		initiator = noTranscript
	}
	receiver := strings.TrimSpace(req.ReceiverTranscript)
	if receiver == "" {
		receiver = noTranscript
	}
	return fmt.Sprintf(`Here is the transcript of the debate:

%s's arguments:
%s

%s's arguments:
%s

Please evaluate this debate and determine a winner.`, req.InitiatorRole, initiator, req.ReceiverRole, receiver)
}

// GeminiOracle evaluates debates with a Gemini model.
type GeminiOracle struct {
	client *genai.Client
	model  string
}

func NewGeminiOracle(ctx context.Context, apiKey, model string) (*GeminiOracle, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if model == "" {
		model = DefaultModel
	}
	return &GeminiOracle{client: client, model: model}, nil
}

func (o *GeminiOracle) Evaluate(ctx context.Context, req Request) (string, error) {
	model := o.client.GenerativeModel(o.model)
	model.SetTemperature(0.7)
	model.SetMaxOutputTokens(2000)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt(req))}}

	resp, err := model.GenerateContent(ctx, genai.Text(userPrompt(req)))
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini returned no candidates")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	out := cleanModelOutput(b.String())
	if out == "" {
		return "", errors.New("gemini returned an empty evaluation")
	}
	return out, nil
}

func (o *GeminiOracle) Close() error {
	return o.client.Close()
}

func cleanModelOutput(text string) string {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```markdown")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	return strings.TrimSpace(cleaned)
}
