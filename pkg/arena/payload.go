package arena

import "net/http"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	statusPending = "pending"
	statusSuccess = "success"

	// Every bridged conversation is a single-model direct chat in upstream
	// terms, participant position "a".
	positionA = "a"
)

// CreateEvaluationURL is the endpoint that opens a fresh upstream session.
func CreateEvaluationURL() string {
	return CanonicalOrigin + "/nextjs-api/stream/create-evaluation"
}

// PostToEvaluationURL is the per-session continuation endpoint.
func PostToEvaluationURL(sessionID string) string {
	return CanonicalOrigin + "/nextjs-api/stream/post-to-evaluation/" + sessionID
}

// MessageNode is one node of the upstream conversation DAG. ParentMessageIDs
// must chain each node to the node immediately preceding it; a broken chain
// makes upstream reject the payload or silently desync the conversation.
type MessageNode struct {
	ID                      string   `json:"id"`
	Role                    string   `json:"role"`
	Content                 string   `json:"content"`
	Reasoning               *string  `json:"reasoning,omitempty"`
	ExperimentalAttachments []any    `json:"experimental_attachments"`
	ParentMessageIDs        []string `json:"parentMessageIds"`
	ParticipantPosition     string   `json:"participantPosition"`
	ModelID                 *string  `json:"modelId"`
	EvaluationSessionID     string   `json:"evaluationSessionId"`
	Status                  string   `json:"status"`
	FailureReason           *string  `json:"failureReason"`
}

// EvaluationPayload is the JSON body both stream endpoints accept.
type EvaluationPayload struct {
	ID              string        `json:"id"`
	Mode            string        `json:"mode"`
	ModelAID        string        `json:"modelAId"`
	UserMessageID   string        `json:"userMessageId"`
	ModelAMessageID string        `json:"modelAMessageId"`
	Messages        []MessageNode `json:"messages"`
	Modality        string        `json:"modality"`
}

// Session is the per-conversation state carried between turns.
type Session struct {
	UpstreamID         string
	LastMessageID      string
	FirstUserMessageID string
	Model              string
}

// HistoryMessage is one prior turn supplied by the API client.
type HistoryMessage struct {
	Role    string
	Content string
}

// Turn is a fully addressed upstream request plus the ids the session
// registry needs to record once upstream acknowledges it.
type Turn struct {
	URL                string
	Payload            EvaluationPayload
	SessionID          string
	UserMessageID      string
	AssistantMessageID string
}

func userNode(id, sessionID, content string, parents []string) MessageNode {
	return MessageNode{
		ID:                      id,
		Role:                    RoleUser,
		Content:                 content,
		ExperimentalAttachments: []any{},
		ParentMessageIDs:        parents,
		ParticipantPosition:     positionA,
		EvaluationSessionID:     sessionID,
		Status:                  statusPending,
	}
}

func assistantNode(id, sessionID, modelID, content, status string, parents []string) MessageNode {
	empty := ""
	return MessageNode{
		ID:                      id,
		Role:                    RoleAssistant,
		Content:                 content,
		Reasoning:               &empty,
		ExperimentalAttachments: []any{},
		ParentMessageIDs:        parents,
		ParticipantPosition:     positionA,
		ModelID:                 &modelID,
		EvaluationSessionID:     sessionID,
		Status:                  status,
	}
}

// NewConversationTurn builds the two-node create-evaluation payload: a
// pending user message and a pending, empty assistant message, with fresh
// session and message ids generated the way the browser does.
func NewConversationTurn(modelID, prompt string) Turn {
	sessionID := NewID()
	userID := NewID()
	assistantID := NewID()
	return Turn{
		URL:                CreateEvaluationURL(),
		SessionID:          sessionID,
		UserMessageID:      userID,
		AssistantMessageID: assistantID,
		Payload: EvaluationPayload{
			ID:              sessionID,
			Mode:            "direct",
			ModelAID:        modelID,
			UserMessageID:   userID,
			ModelAMessageID: assistantID,
			Messages: []MessageNode{
				userNode(userID, sessionID, prompt, []string{}),
				assistantNode(assistantID, sessionID, modelID, "", statusPending, []string{userID}),
			},
			Modality: "chat",
		},
	}
}

// ContinuationTurn rebuilds the full node list for an existing session from
// the client's message history (everything before the current prompt), then
// appends the new pending user/assistant pair. Every history node gets a
// fresh id except the first, which reuses the session's stored first-user
// message id so upstream recognizes the thread root.
func ContinuationTurn(sess Session, modelID, prompt string, history []HistoryMessage) Turn {
	userID := NewID()
	assistantID := NewID()

	nodes := make([]MessageNode, 0, len(history)+2)
	for i, msg := range history {
		id := NewID()
		if i == 0 && sess.FirstUserMessageID != "" {
			id = sess.FirstUserMessageID
		}
		var parents []string
		if len(nodes) > 0 {
			parents = []string{nodes[len(nodes)-1].ID}
		} else {
			parents = []string{}
		}
		if msg.Role == RoleAssistant {
			nodes = append(nodes, assistantNode(id, sess.UpstreamID, modelID, msg.Content, statusSuccess, parents))
		} else {
			nodes = append(nodes, userNode(id, sess.UpstreamID, msg.Content, parents))
		}
	}

	lastID := sess.LastMessageID
	if len(nodes) > 0 {
		lastID = nodes[len(nodes)-1].ID
	} else if lastID == "" {
		lastID = NewID()
	}
	nodes = append(nodes, userNode(userID, sess.UpstreamID, prompt, []string{lastID}))
	nodes = append(nodes, assistantNode(assistantID, sess.UpstreamID, modelID, "", statusPending, []string{userID}))

	return Turn{
		URL:                PostToEvaluationURL(sess.UpstreamID),
		SessionID:          sess.UpstreamID,
		UserMessageID:      userID,
		AssistantMessageID: assistantID,
		Payload: EvaluationPayload{
			ID:              sess.UpstreamID,
			Mode:            "direct",
			ModelAID:        modelID,
			UserMessageID:   userID,
			ModelAMessageID: assistantID,
			Messages:        nodes,
			Modality:        "chat",
		},
	}
}

// StreamHeaders builds the headers the stream endpoints expect from a direct
// HTTP caller. The clearance cookie must precede the auth cookie.
func StreamHeaders(authToken, clearance string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Cookie", ClearanceCookieName+"="+clearance+"; "+AuthCookieName+"="+authToken)
	return h
}
