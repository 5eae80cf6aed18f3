package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/peerlink-network/peerlink/internal/app/groups"
	"github.com/peerlink-network/peerlink/internal/domain"
)

// ─── Groups (/api/groups) ───────────────────────────────────────────────────

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groups.CreateGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.Groups.CreateGroup(r.Context(), domain.SelfPeerID, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleListGroups lists the local node's groups, or ?peer=<id>'s.
func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		peerID = domain.SelfPeerID
	}
	list, err := s.svc.Groups.ListGroupsForPeer(r.Context(), peerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": list})
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g, err := s.svc.Groups.GetGroup(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if g == nil {
		writeError(w, http.StatusNotFound, "group not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Groups.DeleteGroup(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g, err := s.svc.Groups.GetGroup(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if g == nil {
		writeError(w, http.StatusNotFound, "group not found: "+id)
		return
	}
	ms, err := s.svc.Groups.GetGroupMembers(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"members": ms})
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req groups.MemberSpec
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.svc.Groups.AddMember(r.Context(), chi.URLParam(r, "id"), req.PeerID, req.Role); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Groups.RemoveMember(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "peerId")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleSendToGroup answers 200 even when some recipients failed; each
// recipient carries its own status.
func (s *Server) handleSendToGroup(w http.ResponseWriter, r *http.Request) {
	var req groups.GroupSend
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.Groups.SendToGroup(r.Context(), chi.URLParam(r, "id"), domain.SelfPeerID, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sent":       res.Sent,
		"partial":    res.Partial(),
		"recipients": res.Recipients,
	})
}
