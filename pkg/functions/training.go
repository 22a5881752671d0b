package functions

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"callguard/pkg/callerrors"
	"callguard/pkg/envelope"
	"callguard/pkg/llm"
)

// TrainingSystemPrompt asks for content in the GeneratedContent shape.
const TrainingSystemPrompt = `You write training material. Reply with a single JSON object and nothing else:
{"title": string, "items": [{"title": string, "body": string, "question": string, "answer": string, "options": [string]}]}
Use "question", "answer" and "options" only for quizzes.`

// TrainingRequest is the body of POST /functions/v1/training.
type TrainingRequest struct {
	Kind      string `json:"kind"`
	Level     string `json:"level"`
	Domain    string `json:"domain"`
	SessionID string `json:"sessionId"`
	Topic     string `json:"topic"`
}

func (s *Server) handleTraining(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := s.tracer.Start(r.Context(), "functions.training")
	defer span.End()
	r = r.WithContext(ctx)

	auth, ok := s.authorize(w, r, "training")
	if !ok {
		span.SetStatus(codes.Error, auth.Error)
		s.observe("training", envelope.StatusError, start)
		return
	}

	var req TrainingRequest
	if err := decodeParams(w, r, []string{"kind", "level", "domain"}, []string{"sessionId", "topic"}, &req); err != nil {
		s.badRequest(w, r, err)
		s.observe("training", envelope.StatusError, start)
		return
	}
	span.SetAttributes(
		attribute.String("training.kind", req.Kind),
		attribute.String("training.level", req.Level),
		attribute.String("user.id", auth.UserID),
	)

	meta := requestMeta(ctx, req.SessionID)
	if err := s.checkAPIKeys(); err != nil {
		envelope.HandleError(w, err, meta)
		s.observe("training", envelope.StatusError, start)
		return
	}

	completion := llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			{Role: llm.RoleSystem, Content: TrainingSystemPrompt},
			{Role: llm.RoleUser, Content: trainingPrompt(req)},
		},
		MaxTokens:   s.opts.MaxTokens,
		Temperature: s.opts.Temperature,
		JSON:        true,
	}

	var fallbackCause error
	content, err := complete(ctx, s, CircuitTraining, completion,
		func(resp llm.CompletionResponse) (envelope.GeneratedContent, error) {
			return parseGeneratedContent(resp.Content, req)
		},
		func(_ context.Context, cause error) (envelope.GeneratedContent, error) {
			fallbackCause = cause
			return envelope.CreateFallbackContent(req.Kind, req.Level, req.Domain, req.SessionID).Content, nil
		})
	if err != nil {
		span.RecordError(err)
		envelope.HandleError(w, err, meta)
		s.observe("training", envelope.StatusError, start)
		return
	}

	var env envelope.Envelope[envelope.GeneratedContent]
	if fallbackCause != nil {
		span.RecordError(fallbackCause)
		s.logger.InfoContext(ctx, "training %s/%s served fallback content: %v", req.Kind, req.Level, fallbackCause)
		env = envelope.CreateFallbackContent(req.Kind, req.Level, req.Domain, req.SessionID)
	} else {
		env = envelope.Success(content, meta)
	}
	env = envelope.AddPerformanceMetrics(env, start, envelope.Fields{"requestId": meta["requestId"]})

	if err := envelope.CreateHTTPResponse(w, env, http.StatusOK, nil); err != nil {
		s.logger.WarnContext(ctx, "failed to write training response: %v", err)
	}
	s.observe("training", env.Meta.Status, start)
}

func trainingPrompt(req TrainingRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a %s %s for the %s domain.", strings.ToLower(req.Level), strings.ToLower(req.Kind), req.Domain)
	if topic := strings.TrimSpace(req.Topic); topic != "" {
		fmt.Fprintf(&b, " Focus on: %s.", topic)
	}
	return b.String()
}

// parseGeneratedContent extracts content from model output. Malformed output is tagged
// TEMPORARY so that the retry executor asks again.
func parseGeneratedContent(text string, req TrainingRequest) (envelope.GeneratedContent, error) {
	parsed := envelope.SafeParseJSON[envelope.GeneratedContent](text)
	if !parsed.Success {
		return envelope.GeneratedContent{}, callerrors.Wrap(callerrors.KindTemporary, parsed.Err(), "malformed training content")
	}

	content := parsed.Data
	content.Kind = req.Kind
	content.Level = req.Level
	content.Domain = req.Domain
	content.SessionID = req.SessionID
	content.IsErrorFallback = false
	if err := content.Validate(); err != nil {
		return envelope.GeneratedContent{}, callerrors.Wrap(callerrors.KindTemporary, err, "incomplete training content")
	}
	return content, nil
}
