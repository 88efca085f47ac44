package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type mockCompletionService struct {
	content    string
	err        error
	lastParams openai.ChatCompletionNewParams
}

func (m *mockCompletionService) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.lastParams = params
	if m.err != nil {
		return nil, m.err
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: m.content}},
		},
	}, nil
}

func TestClassifyReturnsMatchedIndex(t *testing.T) {
	mock := &mockCompletionService{content: "2"}
	c := &OpenAIClassifier{chat: mock, model: openai.ChatModelGPT4oMini}

	idx, err := c.Classify(context.Background(), "Qual o motivo do contato?", "quero cancelar", []string{"Suporte", "Cancelamento", "Financeiro"})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if idx != 1 {
		t.Errorf("index = %d, want 1", idx)
	}
}

func TestClassifyNoMatch(t *testing.T) {
	mock := &mockCompletionService{content: "0"}
	c := &OpenAIClassifier{chat: mock, model: openai.ChatModelGPT4oMini}

	_, err := c.Classify(context.Background(), "Qual o motivo?", "bom dia", []string{"Suporte", "Cancelamento"})
	if !errors.Is(err, ErrNoMatch) {
		t.Errorf("expected ErrNoMatch, got %v", err)
	}
}

func TestClassifyRequestError(t *testing.T) {
	mock := &mockCompletionService{err: errors.New("api down")}
	c := &OpenAIClassifier{chat: mock, model: openai.ChatModelGPT4oMini}

	_, err := c.Classify(context.Background(), "?", "resposta", []string{"A"})
	if err == nil || errors.Is(err, ErrNoMatch) {
		t.Errorf("expected request error, got %v", err)
	}
}

func TestParseChoice(t *testing.T) {
	cases := []struct {
		content string
		count   int
		want    int
		noMatch bool
	}{
		{"1", 3, 0, false},
		{"3", 3, 2, false},
		{"Opção 2", 3, 1, false},
		{"2.", 3, 1, false},
		{"0", 3, 0, true},
		{"4", 3, 0, true},
		{"não sei", 3, 0, true},
	}
	for _, c := range cases {
		got, err := parseChoice(c.content, c.count)
		if c.noMatch {
			if !errors.Is(err, ErrNoMatch) {
				t.Errorf("parseChoice(%q) expected ErrNoMatch, got %v", c.content, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseChoice(%q) failed: %v", c.content, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseChoice(%q) = %d, want %d", c.content, got, c.want)
		}
	}
}
