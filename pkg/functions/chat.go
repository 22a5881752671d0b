package functions

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"callguard/pkg/envelope"
	"callguard/pkg/llm"
)

// ChatSystemPrompt frames every chat conversation.
const ChatSystemPrompt = "You are a helpful learning assistant. Answer clearly and concisely."

// ChatApology is returned when the model cannot be reached.
const ChatApology = "Sorry, I can't answer right now. Please try again in a few minutes."

// MaxHistory bounds how many earlier turns are sent to the model.
const MaxHistory = 20

// ChatRequest is the body of POST /functions/v1/chat.
type ChatRequest struct {
	Message   string                  `json:"message"`
	SessionID string                  `json:"sessionId"`
	History   []llm.CompletionMessage `json:"history,omitempty"`
}

// ChatReply is the content of a chat envelope.
type ChatReply struct {
	Reply string `json:"reply"`
	Model string `json:"model,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := s.tracer.Start(r.Context(), "functions.chat")
	defer span.End()
	r = r.WithContext(ctx)

	auth, ok := s.authorize(w, r, "chat")
	if !ok {
		span.SetStatus(codes.Error, auth.Error)
		s.observe("chat", envelope.StatusError, start)
		return
	}

	var req ChatRequest
	if err := decodeParams(w, r, []string{"message", "sessionId"}, []string{"history"}, &req); err != nil {
		s.badRequest(w, r, err)
		s.observe("chat", envelope.StatusError, start)
		return
	}
	span.SetAttributes(attribute.String("session.id", req.SessionID), attribute.String("user.id", auth.UserID))

	meta := requestMeta(ctx, req.SessionID)
	if err := s.checkAPIKeys(); err != nil {
		envelope.HandleError(w, err, meta)
		s.observe("chat", envelope.StatusError, start)
		return
	}

	completion := llm.CompletionRequest{
		Messages:    chatMessages(req),
		MaxTokens:   s.opts.MaxTokens,
		Temperature: s.opts.Temperature,
	}

	var fallbackCause error
	resp, err := complete(ctx, s, CircuitChat, completion,
		func(resp llm.CompletionResponse) (llm.CompletionResponse, error) { return resp, nil },
		func(_ context.Context, cause error) (llm.CompletionResponse, error) {
			fallbackCause = cause
			return llm.CompletionResponse{Content: ChatApology}, nil
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		envelope.HandleError(w, err, meta)
		s.observe("chat", envelope.StatusError, start)
		return
	}

	var env envelope.Envelope[ChatReply]
	if fallbackCause != nil {
		span.RecordError(fallbackCause)
		s.logger.InfoContext(ctx, "chat for session %s served apology: %v", req.SessionID, fallbackCause)
		meta["fallback"] = true
		env = envelope.Warning(ChatReply{Reply: resp.Content}, envelope.UserMessage(fallbackCause), meta)
	} else {
		meta["model"] = resp.Model
		meta["promptTokens"] = resp.Usage.PromptTokens
		meta["completionTokens"] = resp.Usage.CompletionTokens
		env = envelope.Success(ChatReply{Reply: resp.Content, Model: resp.Model}, meta)
	}
	env = envelope.AddPerformanceMetrics(env, start, nil)

	span.SetAttributes(attribute.String("envelope.status", string(env.Meta.Status)))
	if err := envelope.CreateHTTPResponse(w, env, http.StatusOK, nil); err != nil {
		s.logger.WarnContext(ctx, "failed to write chat response: %v", err)
	}
	s.observe("chat", env.Meta.Status, start)
}

// chatMessages builds the conversation: system prompt, the most recent history, then
// the new message. History entries with other roles are dropped.
func chatMessages(req ChatRequest) []llm.CompletionMessage {
	history := req.History
	if len(history) > MaxHistory {
		history = history[len(history)-MaxHistory:]
	}

	messages := make([]llm.CompletionMessage, 0, len(history)+2)
	messages = append(messages, llm.CompletionMessage{Role: llm.RoleSystem, Content: ChatSystemPrompt})
	for _, m := range history {
		if (m.Role != llm.RoleUser && m.Role != llm.RoleAssistant) || strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, m)
	}
	return append(messages, llm.CompletionMessage{Role: llm.RoleUser, Content: req.Message})
}
