package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/peerlink-network/peerlink/internal/app/messaging"
	"github.com/peerlink-network/peerlink/internal/domain"
)

// ─── Direct Messages (/api/messages) ────────────────────────────────────────
// The local node is always the sender and the reader.

type sendMessageRequest struct {
	To        string               `json:"to"`
	Content   string               `json:"content"`
	Transport domain.TransportType `json:"transport,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}
	msg, err := s.svc.Messages.SendMessage(r.Context(), domain.SelfPeerID, req.To,
		messaging.SendOptions{Content: req.Content, Transport: req.Transport})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleMessageHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	before, err := queryInt(r, "before")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := s.svc.Messages.GetMessageHistory(r.Context(), domain.SelfPeerID, chi.URLParam(r, "peerId"),
		messaging.HistoryOptions{Limit: limit, Before: int64(before)})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := map[string]interface{}{"messages": msgs}
	if n := len(msgs); n > 0 {
		resp["next_before"] = msgs[n-1].Timestamp() - 1
	}
	writeJSON(w, http.StatusOK, resp)
}

type markReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.svc.Messages.MarkMessagesAsRead(r.Context(), domain.SelfPeerID, req.MessageIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Messages.GetUnreadCount(r.Context(), domain.SelfPeerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}
