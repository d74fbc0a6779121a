package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/amigochat/amigo/internal/chat"
	"github.com/amigochat/amigo/internal/outbox"
)

// MessageHandler serves conversation views and accepts sends.
type MessageHandler struct {
	engine     *chat.Engine
	dispatcher *outbox.Dispatcher
	logger     *zap.Logger
}

// NewMessageHandler creates a message handler.
func NewMessageHandler(engine *chat.Engine, dispatcher *outbox.Dispatcher, logger *zap.Logger) *MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageHandler{engine: engine, dispatcher: dispatcher, logger: logger}
}

type conversationSummary struct {
	ID          string        `json:"id"`
	LastMessage *chat.Message `json:"last_message,omitempty"`
}

// listConversations derives the conversation index from the snapshot: the
// broadcast channel first, then direct partners in order of first contact.
func (h *MessageHandler) listConversations(w http.ResponseWriter, r *http.Request) {
	msgs, _ := h.engine.Snapshot()
	self := h.engine.Self()

	ids := append([]string{chat.BroadcastConversation}, chat.Partners(msgs, self)...)
	out := make([]conversationSummary, 0, len(ids))
	for _, id := range ids {
		view := chat.DeriveConversation(msgs, id, self)
		summary := conversationSummary{ID: id}
		if len(view) > 0 {
			last := view[len(view)-1]
			summary.LastMessage = &last
		}
		out = append(out, summary)
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *MessageHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msgs, _ := h.engine.Snapshot()

	view := chat.DeriveConversation(msgs, id, h.engine.Self())
	if view == nil {
		view = []chat.Message{}
	}
	respondJSON(w, http.StatusOK, view)
}

type sendRequest struct {
	Content   string `json:"content"`
	Recipient string `json:"recipient,omitempty"`
	Broadcast bool   `json:"broadcast"`
}

// send inserts the optimistic entry and returns it immediately; the
// transaction proceeds in the background.
func (h *MessageHandler) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}

	msg, err := h.dispatcher.Send(req.Content, req.Recipient, req.Broadcast)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusAccepted, msg)
}

func (h *MessageHandler) listFailed(w http.ResponseWriter, r *http.Request) {
	failed := h.engine.ListFailed()
	if failed == nil {
		failed = []chat.Message{}
	}
	respondJSON(w, http.StatusOK, failed)
}

func (h *MessageHandler) retry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msg, found, err := h.dispatcher.Retry(id)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if !found {
		respondJSON(w, http.StatusNotFound, errorBody{Error: "no failed message with id " + id})
		return
	}
	respondJSON(w, http.StatusAccepted, msg)
}
