package quickquiz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// RubricWeights weights the four rubric criteria when computing the
// aggregate score. Zero or negative totals fall back to equal weighting.
type RubricWeights struct {
	Clarity       float64
	Accuracy      float64
	DifficultyFit float64
	Relevance     float64
}

// Aggregate computes the weighted mean of the four criterion scores.
func (w RubricWeights) Aggregate(clarity, accuracy, difficultyFit, relevance float64) float64 {
	total := w.Clarity + w.Accuracy + w.DifficultyFit + w.Relevance
	if total <= 0 {
		return (clarity + accuracy + difficultyFit + relevance) / 4
	}
	sum := clarity*w.Clarity + accuracy*w.Accuracy + difficultyFit*w.DifficultyFit + relevance*w.Relevance
	return sum / total
}

// QuestionChecker scores question candidates against the quality rubric.
// The model reports criterion scores only; the verdict is derived locally
// from the configured thresholds.
type QuestionChecker struct {
	chat       ChatClient
	model      string
	retry      RetryPolicy
	accept     float64
	amend      float64
	floor      float64
	weights    RubricWeights
	transcript *LLMLogger
	log        *zap.SugaredLogger
}

// NewQuestionChecker creates a checker using the thresholds and weights
// from cfg.
func NewQuestionChecker(chat ChatClient, cfg Config, log *zap.SugaredLogger) *QuestionChecker {
	model := cfg.ChatModel
	if model == "" {
		model = openai.GPT4o
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &QuestionChecker{
		chat:    chat,
		model:   model,
		retry:   cfg.EvaluationRetry,
		accept:  cfg.AcceptThreshold,
		amend:   cfg.AmendThreshold,
		floor:   cfg.CriterionFloor,
		weights: cfg.Weights,
		log:     log,
	}
}

// SetTranscript attaches a per-run transcript logger. Pass nil to detach.
func (qc *QuestionChecker) SetTranscript(t *LLMLogger) {
	qc.transcript = t
}

// Evaluate scores one candidate against the rubric and returns the
// resulting evaluation with its verdict. Failures that survive the retry
// budget come back wrapped in ErrEvaluationUnavailable.
func (qc *QuestionChecker) Evaluate(ctx context.Context, q *Question, excerpts []ChunkMatch) (*Evaluation, error) {
	prompt := qc.buildPrompt(q, excerpts)
	if qc.transcript != nil {
		qc.transcript.LogRequest("evaluate", prompt)
	}

	chatReq := openai.ChatCompletionRequest{
		Model: qc.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are an expert quiz question reviewer. Score questions for quality, clarity, and fairness against the provided source material.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0.1,
		Tools: []openai.Tool{
			{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        "score_question",
					Description: "Report rubric scores for a quiz question",
					Parameters: map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"clarity": map[string]interface{}{
								"type":        "number",
								"description": "0.0-1.0, the question is unambiguous and well formed",
							},
							"accuracy": map[string]interface{}{
								"type":        "number",
								"description": "0.0-1.0, the recorded answer is correct per the excerpts and distractors are wrong",
							},
							"difficulty_fit": map[string]interface{}{
								"type":        "number",
								"description": "0.0-1.0, the question matches its stated difficulty",
							},
							"relevance": map[string]interface{}{
								"type":        "number",
								"description": "0.0-1.0, the question is answerable from the excerpts alone",
							},
							"feedback": map[string]interface{}{
								"type":        "string",
								"description": "Short summary of the main issue or strength",
							},
							"suggested_fix": map[string]interface{}{
								"type":        "string",
								"description": "A concrete revision that would fix the question, empty if none is needed or none would help",
							},
						},
						"required": []string{"clarity", "accuracy", "difficulty_fit", "relevance", "feedback"},
					},
				},
			},
		},
		ToolChoice: openai.ToolChoice{
			Type: openai.ToolTypeFunction,
			Function: openai.ToolFunction{
				Name: "score_question",
			},
		},
	}

	attempts := qc.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		args, err := qc.callTool(ctx, chatReq)
		if err != nil {
			if errors.Is(err, ErrEvaluationUnavailable) {
				return nil, err
			}
			qc.log.Warnw("malformed evaluation response", "question", q.ID, "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		if qc.transcript != nil {
			qc.transcript.LogResponse("evaluate", args)
		}

		var toolArgs struct {
			Clarity       float64 `json:"clarity"`
			Accuracy      float64 `json:"accuracy"`
			DifficultyFit float64 `json:"difficulty_fit"`
			Relevance     float64 `json:"relevance"`
			Feedback      string  `json:"feedback"`
			SuggestedFix  string  `json:"suggested_fix,omitempty"`
		}
		if err := json.Unmarshal([]byte(args), &toolArgs); err != nil {
			qc.log.Warnw("failed to parse tool arguments", "question", q.ID, "attempt", attempt, "error", err)
			lastErr = fmt.Errorf("failed to parse tool arguments: %w", err)
			continue
		}

		ev := &Evaluation{
			ID:            uuid.NewString(),
			QuestionID:    q.ID,
			Clarity:       clamp01(toolArgs.Clarity),
			Accuracy:      clamp01(toolArgs.Accuracy),
			DifficultyFit: clamp01(toolArgs.DifficultyFit),
			Relevance:     clamp01(toolArgs.Relevance),
			Feedback:      strings.TrimSpace(toolArgs.Feedback),
			SuggestedFix:  strings.TrimSpace(toolArgs.SuggestedFix),
			CreatedAt:     time.Now(),
		}
		ev.Aggregate = qc.weights.Aggregate(ev.Clarity, ev.Accuracy, ev.DifficultyFit, ev.Relevance)
		ev.Verdict = qc.verdictFor(ev)

		if qc.transcript != nil {
			qc.transcript.LogVerdict(q.ID, ev.Verdict, ev.Aggregate, ev.Feedback)
		}
		qc.log.Debugw("evaluated question",
			"question", q.ID,
			"aggregate", ev.Aggregate,
			"verdict", ev.Verdict)
		return ev, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrEvaluationUnavailable, lastErr)
}

// verdictFor maps an evaluation's scores onto a verdict. Acceptance needs
// both the aggregate above the accept threshold and every criterion above
// the floor. The amendment band additionally requires a usable fix.
func (qc *QuestionChecker) verdictFor(ev *Evaluation) Verdict {
	if ev.Aggregate >= qc.accept && ev.MinCriterion() >= qc.floor {
		return VerdictAccept
	}
	if ev.Aggregate >= qc.amend && ev.Aggregate < qc.accept && ev.SuggestedFix != "" {
		return VerdictAmend
	}
	return VerdictReject
}

// callTool runs the evaluation completion with transport retries and
// returns the raw tool arguments. Transport failures come back wrapped in
// ErrEvaluationUnavailable.
func (qc *QuestionChecker) callTool(ctx context.Context, chatReq openai.ChatCompletionRequest) (string, error) {
	var resp openai.ChatCompletionResponse
	err := qc.retry.Do(ctx, func(ctx context.Context) error {
		r, err := qc.chat.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrEvaluationUnavailable, err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in model response")
	}
	choice := resp.Choices[0]
	if len(choice.Message.ToolCalls) == 0 {
		return "", fmt.Errorf("no tool calls in model response")
	}
	toolCall := choice.Message.ToolCalls[0]
	if toolCall.Function.Name != "score_question" {
		return "", fmt.Errorf("unexpected tool call: %s", toolCall.Function.Name)
	}
	return toolCall.Function.Arguments, nil
}

func (qc *QuestionChecker) buildPrompt(q *Question, excerpts []ChunkMatch) string {
	var sb strings.Builder

	sb.WriteString("Evaluate the following quiz question:\n\n")
	sb.WriteString(fmt.Sprintf("Type: %s\nStated difficulty: %s\n\n", q.Type, q.Difficulty))
	sb.WriteString(fmt.Sprintf("Question: %s\n\n", q.Stem))

	switch q.Type {
	case TypeMultipleChoice, TypeTrueFalse:
		sb.WriteString("Options:\n")
		for i, option := range q.Options {
			marker := " "
			if i == q.CorrectAnswer {
				marker = "*"
			}
			sb.WriteString(fmt.Sprintf("%s%d. %s\n", marker, i+1, option))
		}
		sb.WriteString(fmt.Sprintf("\nCorrect Answer: %d\n", q.CorrectAnswer+1))
	default:
		sb.WriteString(fmt.Sprintf("Model Answer: %s\n", q.AnswerText))
	}
	sb.WriteString(fmt.Sprintf("Explanation: %s\n\n", q.Explanation))

	writeExcerpts(&sb, excerpts)

	sb.WriteString("Score each criterion from 0.0 to 1.0:\n")
	sb.WriteString("- clarity: the question is clear and unambiguous, options are well formed, and the explanation says WHY the answer is correct rather than restating it\n")
	sb.WriteString("- accuracy: the recorded correct answer is actually correct given the excerpts, and incorrect options are plausible but clearly wrong\n")
	sb.WriteString("- difficulty_fit: the question's real difficulty matches its stated difficulty\n")
	sb.WriteString("- relevance: the question is answerable from the excerpts alone and tests the specific material, not general knowledge\n\n")

	sb.WriteString("Hard failures:\n")
	sb.WriteString("- If the correct answer appears in the question text, clarity is near zero\n")
	sb.WriteString("- If the question text contains obvious clues that give away the answer, clarity is near zero\n")
	sb.WriteString("- If the question cannot be answered from the excerpts, relevance is near zero\n\n")

	sb.WriteString("Always provide feedback naming the main issue or strength.\n")
	sb.WriteString("If one concrete change would fix the question, describe it in suggested_fix; leave it empty when the question is fine as-is or beyond repair.\n")
	sb.WriteString("Use the score_question tool to return your scores.")

	return sb.String()
}
