package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/peerlink-network/peerlink/internal/app/peers"
	"github.com/peerlink-network/peerlink/internal/domain"
)

// ─── Peer Directory (/api/peers) ────────────────────────────────────────────

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.svc.Peers.ListPeers(r.Context(), domain.PeerFilter{
		Query:          r.URL.Query().Get("q"),
		Status:         domain.PeerStatus(r.URL.Query().Get("status")),
		VerifiedOnly:   queryBool(r, "verified"),
		IncludeBlocked: queryBool(r, "include_blocked"),
		Limit:          limit,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []domain.Peer{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": list})
}

// handleStorePeer serves both POST /api/peers and PUT /api/peers/{id}.
func (s *Server) handleStorePeer(w http.ResponseWriter, r *http.Request) {
	var p domain.Peer
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		p.ID = id
	}
	// Counters are maintained by the directory itself.
	p.Transfers = domain.TransferStats{}
	stored, err := s.svc.Peers.StorePeer(r.Context(), p)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDiscoverPeers(w http.ResponseWriter, r *http.Request) {
	var f peers.DiscoverFilter
	if err := decodeJSON(r, &f); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.Peers.DiscoverPeers(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.svc.Peers.GetPeer(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "peer not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleConnectPeer(w http.ResponseWriter, r *http.Request) {
	var opts peers.ConnectOptions
	if err := decodeJSON(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := s.svc.Peers.ConnectToPeer(r.Context(), chi.URLParam(r, "id"), opts)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func (s *Server) handleDisconnectPeer(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Peers.DisconnectFromPeer(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type trustRequest struct {
	TrustLevel domain.TrustLevel `json:"trust_level"`
}

func (s *Server) handleUpdateTrust(w http.ResponseWriter, r *http.Request) {
	var req trustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.svc.Peers.UpdateTrustLevel(r.Context(), chi.URLParam(r, "id"), req.TrustLevel)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type blockedRequest struct {
	Blocked bool `json:"blocked"`
}

func (s *Server) handleSetBlocked(w http.ResponseWriter, r *http.Request) {
	var req blockedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.svc.Peers.SetBlocked(r.Context(), id, req.Blocked); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peer_id": id, "blocked": req.Blocked})
}

// ─── Transfers ──────────────────────────────────────────────────────────────

func (s *Server) handleSendTransfer(w http.ResponseWriter, r *http.Request) {
	var req peers.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ack, err := s.svc.Peers.SendTransferToPeer(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	refs, err := s.svc.Peers.GetTransfersWithPeer(r.Context(), chi.URLParam(r, "id"), domain.TransferFilter{
		Type:   r.URL.Query().Get("type"),
		Status: domain.TransferStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transfers": refs})
}
