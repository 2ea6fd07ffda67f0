package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"studybuddy/internal/apperr"
	"studybuddy/internal/models"
)

const (
	MaxFlashcards     = 20
	DefaultFlashcards = 5
)

// Parse tiers recorded in Flashcard.Source.
const (
	SourceJSON        = "json"
	SourceLines       = "lines"
	SourcePlaceholder = "placeholder"
)

const missingAnswer = "Answer not available"

var (
	enumerationPrefix = regexp.MustCompile(`^\d+[.)]\s*`)
	questionPrefix    = regexp.MustCompile(`(?i)^Q:\s*`)
	answerPrefix      = regexp.MustCompile(`(?i)^A:\s*`)
)

var flashcardOptions = Options{Temperature: 0.8, MaxOutputTokens: 2000, TopP: 0.95, TopK: 40}

// Flashcards generates study cards for a topic.
type Flashcards struct {
	gen Generator
	log *zap.Logger
}

func NewFlashcards(gen Generator, log *zap.Logger) *Flashcards {
	if log == nil {
		log = zap.NewNop()
	}
	return &Flashcards{gen: gen, log: log}
}

// Generate returns exactly count cards about topic.
func (f *Flashcards) Generate(ctx context.Context, topic string, count int) ([]models.Flashcard, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, apperr.Validation("topic is required")
	}
	if count < 1 || count > MaxFlashcards {
		return nil, apperr.Validation(fmt.Sprintf("count must be between 1 and %d", MaxFlashcards))
	}

	prompt := fmt.Sprintf(`Generate %d educational flashcards about %q.
Format your response as a JSON array where each item has "question" and "answer" fields.
Make the questions clear and the answers comprehensive but concise.
Example format: [{"question": "What is X?", "answer": "X is..."}, ...]`, count, topic)

	raw, err := generate(ctx, f.gen, "flashcards", []Turn{{Role: RoleUser, Text: prompt}}, flashcardOptions)
	if err != nil {
		f.log.Error("flashcard generation failed", zap.String("topic", topic), zap.Error(err))
		return nil, apperr.Generation("could not generate flashcards", err)
	}
	return ParseFlashcards(raw, topic, count), nil
}

// ParseFlashcards turns free-form generator output into exactly count cards.
// It prefers the first bracketed JSON array, falls back to pairing
// consecutive non-blank lines, and pads with placeholder cards.
func ParseFlashcards(raw, topic string, count int) []models.Flashcard {
	if count <= 0 {
		return []models.Flashcard{}
	}

	cards := parseJSONCards(raw)
	if len(cards) == 0 {
		cards = parseLineCards(raw)
	}
	if len(cards) > count {
		cards = cards[:count]
	}
	for len(cards) < count {
		cards = append(cards, models.Flashcard{
			Question: fmt.Sprintf("What is an important concept about %s?", topic),
			Answer:   fmt.Sprintf("This is a key concept related to %s that you should study.", topic),
			Source:   SourcePlaceholder,
		})
	}
	return cards
}

func parseJSONCards(raw string) []models.Flashcard {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw[start:end+1]), &items); err != nil {
		return nil
	}

	cards := make([]models.Flashcard, 0, len(items))
	for i, item := range items {
		var fields struct {
			Question string `json:"question"`
			Answer   string `json:"answer"`
		}
		_ = json.Unmarshal(item, &fields)

		card := models.Flashcard{
			Question: strings.TrimSpace(fields.Question),
			Answer:   strings.TrimSpace(fields.Answer),
			Source:   SourceJSON,
		}
		if card.Question == "" {
			card.Question = fmt.Sprintf("Question %d", i+1)
		}
		if card.Answer == "" {
			card.Answer = missingAnswer
		}
		cards = append(cards, card)
	}
	return cards
}

func parseLineCards(raw string) []models.Flashcard {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}

	var cards []models.Flashcard
	for i := 0; i < len(lines); i += 2 {
		question := enumerationPrefix.ReplaceAllString(lines[i], "")
		question = strings.TrimSpace(questionPrefix.ReplaceAllString(question, ""))
		if question == "" {
			continue
		}

		answer := missingAnswer
		if i+1 < len(lines) {
			if a := strings.TrimSpace(answerPrefix.ReplaceAllString(lines[i+1], "")); a != "" {
				answer = a
			}
		}
		cards = append(cards, models.Flashcard{Question: question, Answer: answer, Source: SourceLines})
	}
	return cards
}
