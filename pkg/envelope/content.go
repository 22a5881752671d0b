package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ContentItem is one section, exercise or question of generated training content.
type ContentItem struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Question string   `json:"question,omitempty"`
	Answer   string   `json:"answer,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// GeneratedContent is the payload of the training function, both for real model output
// and for fallbacks.
type GeneratedContent struct {
	Kind            string        `json:"kind"`
	Title           string        `json:"title"`
	Level           string        `json:"level"`
	Domain          string        `json:"domain"`
	SessionID       string        `json:"sessionId"`
	Items           []ContentItem `json:"items"`
	IsErrorFallback bool          `json:"isErrorFallback"`
}

// Validate reports whether c is usable by consumers.
func (c GeneratedContent) Validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return errors.New("generated content has no title")
	}
	if len(c.Items) == 0 {
		return errors.New("generated content has no items")
	}
	for i, item := range c.Items {
		if strings.TrimSpace(item.Title) == "" && strings.TrimSpace(item.Body) == "" {
			return fmt.Errorf("generated content item %d is empty", i)
		}
	}
	return nil
}

// FallbackWarning is the warning attached to fallback content.
const FallbackWarning = "Content generation is temporarily unavailable; showing placeholder content."

// CreateFallbackContent builds a WARNING envelope holding placeholder content with the
// same shape as generated content, flagged with isErrorFallback.
func CreateFallbackContent(kind, level, domain, sessionID string) Envelope[GeneratedContent] {
	title := fmt.Sprintf("%s %s", titleCase(level), strings.ToLower(strings.TrimSpace(kind)))
	if domain != "" {
		title += " for " + domain
	}

	content := GeneratedContent{
		Kind:      kind,
		Title:     strings.TrimSpace(title),
		Level:     level,
		Domain:    domain,
		SessionID: sessionID,
		Items: []ContentItem{{
			Title: "Content unavailable",
			Body:  "We could not generate this content right now. Please try again in a few minutes.",
		}},
		IsErrorFallback: true,
	}

	return Warning(content, FallbackWarning, Fields{
		"sessionId":       sessionID,
		"isErrorFallback": true,
	})
}

func titleCase(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// ParseResult is the outcome of SafeParseJSON.
type ParseResult[T any] struct {
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Success bool   `json:"success"`
}

// Err returns the parse failure as an error, or nil.
func (r ParseResult[T]) Err() error {
	if r.Success {
		return nil
	}
	return errors.New(r.Error)
}

// SafeParseJSON decodes the JSON object embedded in text. Markdown code fences and any
// prose around the outermost braces are ignored.
func SafeParseJSON[T any](text string) ParseResult[T] {
	cleaned := strings.ReplaceAll(text, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```JSON", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end < start {
		return ParseResult[T]{Error: "no JSON object found in response"}
	}

	var data T
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &data); err != nil {
		return ParseResult[T]{Error: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return ParseResult[T]{Success: true, Data: data}
}
