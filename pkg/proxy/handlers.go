package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/arena"
	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/config"
)

const maxRequestBody = 4 * 1024 * 1024

// chatCompletionRequest extends the standard request with the bridge's
// conversation handle. Clients that omit it get a fresh conversation per
// call.
type chatCompletionRequest struct {
	openai.ChatCompletionRequest
	ConversationID string `json:"conversation_id"`
}

type chatCompletionResponse struct {
	openai.ChatCompletionResponse
	ConversationID string `json:"conversation_id"`
}

type modelList struct {
	Object string         `json:"object"`
	Data   []openai.Model `json:"data"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	now := time.Now().Unix()
	models := s.catalog.TextModels()
	out := modelList{Object: "list", Data: make([]openai.Model, 0, len(models))}
	for _, m := range models {
		if m.PublicName == "" {
			continue
		}
		ownedBy := m.Organization
		if ownedBy == "" {
			ownedBy = "lmarena"
		}
		out.Data = append(out.Data, openai.Model{
			ID:        m.PublicName,
			Object:    "model",
			CreatedAt: now,
			OwnedBy:   ownedBy,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	keyRec, ok := apiKeyFrom(r.Context())
	if !ok {
		writeAPIError(w, errUnauthorized("Invalid API Key."))
		return
	}

	var req chatCompletionRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeAPIError(w, errBadRequest("Request body unreadable or too large."))
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeAPIError(w, errBadRequest(fmt.Sprintf("Malformed request body: %v", err)))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeAPIError(w, errBadRequest("Missing 'model' or 'messages' in request body."))
		return
	}

	model, found := s.catalog.Resolve(req.Model)
	if !found {
		writeAPIError(w, errModelNotFound(req.Model))
		return
	}

	prompt := req.Messages[len(req.Messages)-1].Content
	if prompt == "" {
		writeAPIError(w, errBadRequest("Last message must have content."))
		return
	}

	s.recordUsage(model.PublicName)

	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = "conv-" + uuid.NewString()
	}

	turn, isNew := s.buildTurn(keyRec.Key, conversationID, model.ID, prompt, req.Messages)
	log.Info("chat completion",
		"model", model.PublicName, "conversation", conversationID,
		"new_session", isNew, "stream", req.Stream, "messages", len(req.Messages))

	ctx, cancel := s.upstreamContext(r)
	defer cancel()

	if req.Stream {
		s.streamCompletion(ctx, w, keyRec.Key, conversationID, model.PublicName, turn, isNew)
		return
	}

	res, err := s.fetcher.Do(ctx, turn, nil)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	s.commitTurn(keyRec.Key, conversationID, model.PublicName, turn, isNew)

	writeJSON(w, http.StatusOK, chatCompletionResponse{
		ChatCompletionResponse: openai.ChatCompletionResponse{
			ID:      "chatcmpl-" + uuid.NewString(),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   model.PublicName,
			Choices: []openai.ChatCompletionChoice{{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: res.Text,
				},
				FinishReason: openai.FinishReasonStop,
			}},
			Usage: openai.Usage{
				PromptTokens:     len(prompt),
				CompletionTokens: len(res.Text),
				TotalTokens:      len(prompt) + len(res.Text),
			},
		},
		ConversationID: conversationID,
	})
}

// buildTurn picks between opening a new evaluation and continuing a stored
// one, rebuilding the history DAG from the client's messages in the latter
// case.
func (s *Server) buildTurn(apiKey, conversationID, modelID, prompt string, messages []openai.ChatCompletionMessage) (arena.Turn, bool) {
	sess, exists := s.sessions.Lookup(apiKey, conversationID)
	if !exists {
		return arena.NewConversationTurn(modelID, prompt), true
	}
	history := make([]arena.HistoryMessage, 0, len(messages)-1)
	for _, m := range messages[:len(messages)-1] {
		history = append(history, arena.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return arena.ContinuationTurn(sess, modelID, prompt, history), false
}

// commitTurn records the session state a successful turn leaves behind.
func (s *Server) commitTurn(apiKey, conversationID, publicName string, turn arena.Turn, isNew bool) {
	if isNew {
		s.sessions.Commit(apiKey, conversationID, arena.Session{
			UpstreamID:         turn.SessionID,
			LastMessageID:      turn.AssistantMessageID,
			FirstUserMessageID: turn.UserMessageID,
			Model:              publicName,
		})
		return
	}
	sess, ok := s.sessions.Lookup(apiKey, conversationID)
	if !ok {
		return
	}
	sess.LastMessageID = turn.AssistantMessageID
	s.sessions.Commit(apiKey, conversationID, sess)
}

func (s *Server) recordUsage(publicName string) {
	err := s.state.Update(func(st *config.State) error {
		st.UsageStats[publicName]++
		return nil
	})
	if err != nil {
		log.Warn("persist usage stats", "err", err)
	}
}

// streamCompletion emits the response as server-sent events in the standard
// chunk format, closing with a usage-free final chunk and [DONE].
func (s *Server) streamCompletion(ctx context.Context, w http.ResponseWriter, apiKey, conversationID, publicName string, turn arena.Turn, isNew bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, errInternal(errors.New("response writer does not support streaming")))
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	headersSent := false
	sendChunk := func(delta openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason) {
		if !headersSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			headersSent = true
		}
		chunk := openai.ChatCompletionStreamResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   publicName,
			Choices: []openai.ChatCompletionStreamChoice{{
				Index:        0,
				Delta:        delta,
				FinishReason: finish,
			}},
		}
		b, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	_, err := s.fetcher.Do(ctx, turn, func(text string) {
		sendChunk(openai.ChatCompletionStreamChoiceDelta{
			Role:    openai.ChatMessageRoleAssistant,
			Content: text,
		}, "")
	})
	if err != nil {
		if headersSent {
			// Too late for a status code; surface the failure in-band.
			apiErr := toAPIError(err)
			fmt.Fprintf(w, "data: %s\n\n", errorEventJSON(apiErr.Detail))
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			log.Error("stream aborted mid-flight", "err", err)
			return
		}
		writeAPIError(w, err)
		return
	}
	s.commitTurn(apiKey, conversationID, publicName, turn, isNew)

	sendChunk(openai.ChatCompletionStreamChoiceDelta{}, openai.FinishReasonStop)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func errorEventJSON(detail string) []byte {
	b, _ := json.Marshal(map[string]any{"error": map[string]string{"message": detail}})
	return b
}
