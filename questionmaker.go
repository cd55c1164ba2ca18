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

// ChatClient is the slice of the OpenAI chat API the pipeline uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// QuestionMaker generates question candidates from retrieved source
// excerpts via model tool calls.
type QuestionMaker struct {
	chat       ChatClient
	model      string
	retry      RetryPolicy
	transcript *LLMLogger
	log        *zap.SugaredLogger
}

// NewQuestionMaker creates a question maker backed by the given chat client.
func NewQuestionMaker(chat ChatClient, model string, retry RetryPolicy, log *zap.SugaredLogger) *QuestionMaker {
	if model == "" {
		model = openai.GPT4o
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &QuestionMaker{chat: chat, model: model, retry: retry, log: log}
}

// SetTranscript attaches a per-run transcript logger. Pass nil to detach.
func (qm *QuestionMaker) SetTranscript(t *LLMLogger) {
	qm.transcript = t
}

// questionPayload is the per-question shape of the tool arguments.
type questionPayload struct {
	Type          string   `json:"type"`
	Question      string   `json:"question"`
	Options       []string `json:"options,omitempty"`
	CorrectAnswer int      `json:"correct_answer"`
	AnswerText    string   `json:"answer_text,omitempty"`
	Explanation   string   `json:"explanation"`
	Difficulty    string   `json:"difficulty"`
	BloomLevel    string   `json:"bloom_level"`
}

// questionSchema describes one question object for the model tools.
func questionSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"type": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"multiple_choice", "true_false", "short_answer", "essay"},
				"description": "The answer format of the question",
			},
			"question": map[string]interface{}{
				"type":        "string",
				"description": "The question text",
			},
			"options": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "string",
				},
				"description": "Exactly 4 options for multiple_choice, exactly [\"True\", \"False\"] for true_false, omitted otherwise",
			},
			"correct_answer": map[string]interface{}{
				"type":        "integer",
				"description": "0-based index of the correct option, only for multiple_choice and true_false",
			},
			"answer_text": map[string]interface{}{
				"type":        "string",
				"description": "Model answer for short_answer and essay questions",
			},
			"explanation": map[string]interface{}{
				"type":        "string",
				"description": "Brief explanation of why the answer is correct",
			},
			"difficulty": map[string]interface{}{
				"type": "string",
				"enum": []string{"easy", "medium", "hard"},
			},
			"bloom_level": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"remember", "understand", "apply", "analyze", "evaluate", "create"},
				"description": "The Bloom taxonomy level the question exercises",
			},
		},
		"required": []string{"type", "question", "explanation", "difficulty", "bloom_level"},
	}
}

// GenerateQuestions asks the model for a batch of candidates grounded in
// the given excerpts. Malformed responses are re-requested up to the
// retry policy's attempt budget; candidates that fail structural
// validation are dropped individually.
func (qm *QuestionMaker) GenerateQuestions(ctx context.Context, req GenerationRequest, excerpts []ChunkMatch, avoid []string, batchSize int) ([]*Question, error) {
	prompt := qm.buildPrompt(req, excerpts, avoid, batchSize)
	if qm.transcript != nil {
		qm.transcript.LogRequest("generate", prompt)
	}

	chatReq := openai.ChatCompletionRequest{
		Model: qm.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are an expert quiz author. Write questions that are answerable from the provided source excerpts alone, without outside knowledge.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0.8,
		Tools: []openai.Tool{
			{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        "submit_questions",
					Description: "Submit generated quiz questions",
					Parameters: map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"questions": map[string]interface{}{
								"type":  "array",
								"items": questionSchema(),
							},
						},
						"required": []string{"questions"},
					},
				},
			},
		},
		ToolChoice: openai.ToolChoice{
			Type: openai.ToolTypeFunction,
			Function: openai.ToolFunction{
				Name: "submit_questions",
			},
		},
	}

	attempts := qm.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		args, err := qm.callTool(ctx, chatReq, "submit_questions")
		if err != nil {
			if errors.Is(err, ErrModel) {
				return nil, err
			}
			qm.log.Warnw("malformed generation response", "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		if qm.transcript != nil {
			qm.transcript.LogResponse("generate", args)
		}

		var toolArgs struct {
			Questions []questionPayload `json:"questions"`
		}
		if err := json.Unmarshal([]byte(args), &toolArgs); err != nil {
			qm.log.Warnw("failed to parse tool arguments", "attempt", attempt, "error", err)
			lastErr = fmt.Errorf("failed to parse tool arguments: %w", err)
			continue
		}

		questions := make([]*Question, 0, len(toolArgs.Questions))
		for _, p := range toolArgs.Questions {
			q := qm.payloadToQuestion(p, req, excerpts)
			if err := ValidateCandidate(q); err != nil {
				qm.log.Debugw("dropping malformed candidate", "stem", firstWords(q.Stem, 8), "error", err)
				if qm.transcript != nil {
					qm.transcript.LogDropped(q.ID, err.Error())
				}
				lastErr = err
				continue
			}
			if req.Type != "" && q.Type != req.Type {
				qm.log.Debugw("dropping candidate of wrong type", "want", req.Type, "got", q.Type)
				continue
			}
			questions = append(questions, q)
		}
		if len(questions) > 0 {
			qm.log.Infow("generated candidates", "requested", batchSize, "valid", len(questions))
			return questions, nil
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("model returned no usable questions")
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrGenerationStructure, lastErr)
}

// Amend asks the model to revise a question according to the evaluator's
// suggested fix. The revision keeps the question's identity and type; its
// revision counter is incremented.
func (qm *QuestionMaker) Amend(ctx context.Context, q *Question, fix string, excerpts []ChunkMatch) (*Question, error) {
	original, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to encode question for revision: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("Revise the quiz question below. Keep its type and subject, apply the suggested fix, and keep it answerable from the source excerpts alone.\n\n")
	sb.WriteString("Current question:\n")
	sb.Write(original)
	sb.WriteString("\n\nSuggested fix: ")
	sb.WriteString(fix)
	sb.WriteString("\n\n")
	writeExcerpts(&sb, excerpts)
	sb.WriteString("Use the revise_question tool to return the revised question.\n")
	prompt := sb.String()

	if qm.transcript != nil {
		qm.transcript.LogRequest("amend", prompt)
	}

	chatReq := openai.ChatCompletionRequest{
		Model: qm.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are an expert quiz author revising a question after reviewer feedback.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0.2,
		Tools: []openai.Tool{
			{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        "revise_question",
					Description: "Submit the revised quiz question",
					Parameters: map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"revised": questionSchema(),
						},
						"required": []string{"revised"},
					},
				},
			},
		},
		ToolChoice: openai.ToolChoice{
			Type: openai.ToolTypeFunction,
			Function: openai.ToolFunction{
				Name: "revise_question",
			},
		},
	}

	args, err := qm.callTool(ctx, chatReq, "revise_question")
	if err != nil {
		if errors.Is(err, ErrModel) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrGenerationStructure, err)
	}
	if qm.transcript != nil {
		qm.transcript.LogResponse("amend", args)
	}

	var toolArgs struct {
		Revised questionPayload `json:"revised"`
	}
	if err := json.Unmarshal([]byte(args), &toolArgs); err != nil {
		return nil, fmt.Errorf("%w: failed to parse tool arguments: %w", ErrGenerationStructure, err)
	}

	revised := *q
	p := toolArgs.Revised
	revised.Stem = p.Question
	revised.Options = p.Options
	revised.CorrectAnswer = p.CorrectAnswer
	revised.AnswerText = p.AnswerText
	revised.Explanation = p.Explanation
	if lvl := BloomLevel(p.BloomLevel); validBloom(lvl) {
		revised.BloomLevel = lvl
	}
	revised.Revision = q.Revision + 1
	revised.Status = QuestionPending
	normalizeCandidate(&revised)
	if err := ValidateCandidate(&revised); err != nil {
		return nil, err
	}
	return &revised, nil
}

// callTool runs one tool-forced chat completion with transport retries and
// returns the raw tool arguments. Transport failures come back wrapped in
// ErrModel; a response without the expected tool call comes back as a
// plain error for the caller's structural handling.
func (qm *QuestionMaker) callTool(ctx context.Context, chatReq openai.ChatCompletionRequest, toolName string) (string, error) {
	var resp openai.ChatCompletionResponse
	err := qm.retry.Do(ctx, func(ctx context.Context) error {
		r, err := qm.chat.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrModel, err)
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
	if toolCall.Function.Name != toolName {
		return "", fmt.Errorf("unexpected tool call: %s", toolCall.Function.Name)
	}
	return toolCall.Function.Arguments, nil
}

// payloadToQuestion converts tool output into a candidate with provenance
// fields set and per-type fields normalized.
func (qm *QuestionMaker) payloadToQuestion(p questionPayload, req GenerationRequest, excerpts []ChunkMatch) *Question {
	q := &Question{
		ID:            uuid.NewString(),
		DocumentID:    req.DocumentID,
		ChunkIDs:      chunkIDsOf(excerpts),
		Type:          QuestionType(p.Type),
		Difficulty:    Difficulty(p.Difficulty),
		Stem:          strings.TrimSpace(p.Question),
		Options:       p.Options,
		CorrectAnswer: p.CorrectAnswer,
		AnswerText:    strings.TrimSpace(p.AnswerText),
		Explanation:   strings.TrimSpace(p.Explanation),
		BloomLevel:    BloomLevel(p.BloomLevel),
		Status:        QuestionPending,
		CreatedAt:     time.Now(),
	}
	if req.Difficulty != "" {
		q.Difficulty = req.Difficulty
	} else if !validDifficulty(q.Difficulty) {
		q.Difficulty = DifficultyMedium
	}
	if !validBloom(q.BloomLevel) {
		q.BloomLevel = BloomUnderstand
	}
	normalizeCandidate(q)
	return q
}

// normalizeCandidate fixes up per-type fields before validation.
func normalizeCandidate(q *Question) {
	switch q.Type {
	case TypeTrueFalse:
		if len(q.Options) != 2 {
			q.Options = []string{"True", "False"}
		}
	case TypeShortAnswer, TypeEssay:
		q.Options = nil
		q.CorrectAnswer = -1
	}
}

// ValidateCandidate checks the structural rules for a question candidate.
// Violations are reported wrapped in ErrGenerationStructure.
func ValidateCandidate(q *Question) error {
	if strings.TrimSpace(q.Stem) == "" {
		return fmt.Errorf("%w: empty question text", ErrGenerationStructure)
	}
	if strings.TrimSpace(q.Explanation) == "" {
		return fmt.Errorf("%w: missing explanation", ErrGenerationStructure)
	}
	switch q.Type {
	case TypeMultipleChoice:
		if len(q.Options) != 4 {
			return fmt.Errorf("%w: multiple_choice needs 4 options, got %d", ErrGenerationStructure, len(q.Options))
		}
		seen := make(map[string]bool, 4)
		for _, opt := range q.Options {
			key := strings.ToLower(strings.TrimSpace(opt))
			if key == "" {
				return fmt.Errorf("%w: empty option", ErrGenerationStructure)
			}
			if seen[key] {
				return fmt.Errorf("%w: duplicate option %q", ErrGenerationStructure, opt)
			}
			seen[key] = true
		}
		if q.CorrectAnswer < 0 || q.CorrectAnswer >= len(q.Options) {
			return fmt.Errorf("%w: correct_answer %d out of range", ErrGenerationStructure, q.CorrectAnswer)
		}
	case TypeTrueFalse:
		if len(q.Options) != 2 {
			return fmt.Errorf("%w: true_false needs 2 options, got %d", ErrGenerationStructure, len(q.Options))
		}
		if q.CorrectAnswer < 0 || q.CorrectAnswer > 1 {
			return fmt.Errorf("%w: correct_answer %d out of range", ErrGenerationStructure, q.CorrectAnswer)
		}
	case TypeShortAnswer, TypeEssay:
		if q.AnswerText == "" {
			return fmt.Errorf("%w: missing answer_text", ErrGenerationStructure)
		}
	default:
		return fmt.Errorf("%w: unknown question type %q", ErrGenerationStructure, q.Type)
	}
	return nil
}

func (qm *QuestionMaker) buildPrompt(req GenerationRequest, excerpts []ChunkMatch, avoid []string, batchSize int) string {
	var sb strings.Builder

	if req.Topic != "" {
		sb.WriteString(fmt.Sprintf("Generate %d quiz questions about %q using the source excerpts below.\n\n", batchSize, req.Topic))
	} else {
		sb.WriteString(fmt.Sprintf("Generate %d quiz questions from the source excerpts below.\n\n", batchSize))
	}

	writeExcerpts(&sb, excerpts)

	if req.Type != "" {
		sb.WriteString(fmt.Sprintf("All questions must be of type %s.\n", req.Type))
	} else {
		sb.WriteString("Vary the question types where the material allows: multiple_choice, true_false, short_answer, essay.\n")
	}
	if req.Difficulty != "" {
		sb.WriteString(fmt.Sprintf("Difficulty level: %s\n", req.Difficulty))
	}
	sb.WriteString("\n")

	if len(avoid) > 0 {
		sb.WriteString("Do not duplicate or closely paraphrase any of these existing questions:\n")
		for _, stem := range avoid {
			sb.WriteString("- ")
			sb.WriteString(stem)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Requirements:\n")
	sb.WriteString("- Every question must be answerable from the excerpts alone\n")
	sb.WriteString("- multiple_choice questions need exactly 4 distinct options\n")
	sb.WriteString("- true_false questions need exactly the options True and False\n")
	sb.WriteString("- short_answer and essay questions need a model answer in answer_text\n")
	sb.WriteString("- The correct answer should be non-obvious but clearly correct\n")
	sb.WriteString("- Incorrect options should be plausible but clearly wrong\n")
	sb.WriteString("- Questions should test understanding, not just memorization\n")
	sb.WriteString("- Avoid questions where the answer is given away in the question text\n")
	sb.WriteString("- Provide a brief explanation for why the correct answer is right\n")
	sb.WriteString("- Tag every question with its difficulty and Bloom level\n")
	sb.WriteString("- Use the submit_questions tool to return your questions\n")

	return sb.String()
}

func writeExcerpts(sb *strings.Builder, excerpts []ChunkMatch) {
	if len(excerpts) == 0 {
		return
	}
	sb.WriteString("Source excerpts:\n")
	for i, m := range excerpts {
		sb.WriteString(fmt.Sprintf("[%d] %s\n", i+1, m.Text))
	}
	sb.WriteString("\n")
}

func chunkIDsOf(excerpts []ChunkMatch) []string {
	if len(excerpts) == 0 {
		return nil
	}
	ids := make([]string, len(excerpts))
	for i, m := range excerpts {
		ids[i] = m.ChunkID
	}
	return ids
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) <= n {
		return s
	}
	return strings.Join(fields[:n], " ") + "..."
}

func validDifficulty(d Difficulty) bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

func validBloom(b BloomLevel) bool {
	switch b {
	case BloomRemember, BloomUnderstand, BloomApply, BloomAnalyze, BloomEvaluate, BloomCreate:
		return true
	}
	return false
}
