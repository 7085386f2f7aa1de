// Package review is the boundary to the external quality scorer. The gate
// around it lives in middleware/market; this package only knows how to ask
// for a score and parse the answer.
package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Score is the scorer's verdict on a submission.
type Score struct {
	Value    int    `json:"score"`
	Feedback string `json:"rationale"`
}

// Scorer produces a 0-10 quality score for a submitted result.
type Scorer interface {
	Score(ctx context.Context, requirements, artifact string) (Score, error)
}

// HTTPScorer calls a chat-completions style endpoint and parses the
// SCORE/FEEDBACK reply format.
type HTTPScorer struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPScorer builds a scorer client. The timeout is owned here so a
// stuck scorer can never hold a task transition open.
func NewHTTPScorer(baseURL, apiKey, model string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPScorer{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

const scorePrompt = `You are a task verification AI for an agent task marketplace.

Review this task submission and score it 1-10.

TASK REQUIREMENTS:
%s

SUBMISSION:
%s

Score criteria:
- Does the submission address the task requirements?
- Is the quality acceptable?
- Is it complete or partial?

Respond in this exact format:
SCORE: <1-10>
FEEDBACK: <brief explanation>`

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Score asks the external scorer for a verdict.
func (s *HTTPScorer) Score(ctx context.Context, requirements, artifact string) (Score, error) {
	prompt := fmt.Sprintf(scorePrompt, requirements, artifact)
	body, err := json.Marshal(chatRequest{
		Model:     s.model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: 500,
	})
	if err != nil {
		return Score{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Score{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return Score{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Score{}, fmt.Errorf("scorer request failed: %s", resp.Status)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Score{}, err
	}
	if len(cr.Choices) == 0 {
		return Score{}, fmt.Errorf("scorer returned no choices")
	}
	return ParseScore(cr.Choices[0].Message.Content), nil
}

// ParseScore extracts SCORE and FEEDBACK lines from the scorer's reply.
// Unparseable replies score zero; the gate treats that as a rejection, not
// an error, because the scorer did answer.
func ParseScore(content string) Score {
	out := Score{Feedback: strings.TrimSpace(content)}
	for _, line := range strings.Split(content, "\n") {
		upper := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(upper, "SCORE:"):
			raw := strings.TrimSpace(line[strings.Index(line, ":")+1:])
			// Accept "7", "7/10", "7 / 10".
			if i := strings.Index(raw, "/"); i >= 0 {
				raw = strings.TrimSpace(raw[:i])
			}
			if v, err := strconv.Atoi(raw); err == nil {
				out.Value = v
			}
		case strings.HasPrefix(upper, "FEEDBACK:"):
			out.Feedback = strings.TrimSpace(line[strings.Index(line, ":")+1:])
		}
	}
	return out
}

// Clamp bounds a score to the valid 0-10 range.
func Clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}
