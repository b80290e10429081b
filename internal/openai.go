package internal

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const _generationSystemPrompt = `You are a book catalog assistant. Respond with a JSON object of the form
{"books":[{"title":"...","author":"...","isbn":"...","confidence":0-100}]}.
Use ISBN-13 where known; omit the isbn field entirely rather than guessing.`

// _yearHint extracts a publication year from a generation prompt so the model
// heuristic can pick a checkpoint with better recall for older catalogs.
var _yearHint = regexp.MustCompile(`\b(1[89]\d{2}|20\d{2})\b`)

// openaiProvider generates candidate book lists. Everything it returns is
// untrusted: ISBNs are revalidated downstream and titles are deduplicated
// against the catalog before anything is enqueued.
type openaiProvider struct {
	providerCore
	client       openai.Client
	model        string
	archiveModel string
}

var _ generationProvider = (*openaiProvider)(nil)

func NewOpenAIProvider(apiKey string, ledger *quotaLedger) *openaiProvider {
	return &openaiProvider{
		providerCore: newProviderCore("openai", providerPaid, ledger, apiKey != "",
			CapBookGeneration),
		client:       openai.NewClient(option.WithAPIKey(apiKey)),
		model:        openai.ChatModelGPT4oMini,
		archiveModel: openai.ChatModelGPT4o,
	}
}

func (p *openaiProvider) GenerateBooks(ctx context.Context, prompt string, count int) ([]GeneratedBook, error) {
	if p.ledger != nil {
		if err := p.ledger.Spend(ctx, p.name); err != nil {
			return nil, err
		}
	}

	return guard(&p.providerCore, func() ([]GeneratedBook, error) {
		completion, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: p.modelFor(prompt),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(_generationSystemPrompt),
				openai.UserMessage(fmt.Sprintf("%s Return at most %d books.", prompt, count)),
			},
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			},
			Temperature: openai.Float(0),
		})
		if err != nil {
			return nil, fmt.Errorf("generating books: %w", err)
		}
		if len(completion.Choices) == 0 {
			return nil, errNotFound
		}
		return parseGeneratedBooks(completion.Choices[0].Message.Content)
	})
}

// modelFor prefers the larger checkpoint for pre-2015 prompts; the small one
// hallucinates more on older, sparser catalogs.
func (p *openaiProvider) modelFor(prompt string) string {
	if m := _yearHint.FindString(prompt); m != "" {
		if year, err := strconv.Atoi(m); err == nil && year < 2015 {
			return p.archiveModel
		}
	}
	return p.model
}

// parseGeneratedBooks extracts book entries from model output tolerantly:
// the books array is located by path wherever it nests, entries missing a
// title are dropped, and malformed entries degrade instead of failing the
// batch.
func parseGeneratedBooks(raw string) ([]GeneratedBook, error) {
	parsed, err := oj.ParseString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable generation output: %w", errBadRequest, err)
	}

	entries := jp.D().C("books").W().Get(parsed)
	if len(entries) == 0 {
		// Some responses skip the wrapper and return a bare array.
		if list, ok := parsed.([]any); ok {
			entries = list
		}
	}

	books := []GeneratedBook{}
	for _, entry := range entries {
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		book := GeneratedBook{
			Title:  stringAt(fields, "title"),
			Author: stringAt(fields, "author"),
			ISBN:   stringAt(fields, "isbn"),
		}
		if book.Title == "" {
			continue
		}
		if conf, ok := fields["confidence"].(int64); ok {
			book.Confidence = int(conf)
		} else if conf, ok := fields["confidence"].(float64); ok {
			book.Confidence = int(conf)
		}
		books = append(books, book)
	}
	return books, nil
}

func stringAt(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
