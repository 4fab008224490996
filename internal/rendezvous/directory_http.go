package rendezvous

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/petervdpas/syrja/internal/directory"
	"github.com/petervdpas/syrja/internal/util"
)

const maxBodyBytes = 16 << 10

func (s *Server) handleClaimID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req directory.ClaimRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), util.StoreTimeout)
	defer cancel()

	id, err := s.deps.Directory.Claim(ctx, req)
	s.deps.Metrics.DirectoryOp("claim", directory.StatusCode(err))
	if err != nil {
		s.directoryError(w, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (s *Server) handleGetInvite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), util.StoreTimeout)
	defer cancel()

	code, err := s.deps.Directory.ResolveInvite(ctx, r.URL.Query().Get("id"))
	s.deps.Metrics.DirectoryOp("resolve", directory.StatusCode(err))
	if err != nil {
		s.directoryError(w, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"inviteCode": code})
}

func (s *Server) handleGetIDByIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), util.StoreTimeout)
	defer cancel()

	view, err := s.deps.Directory.LookupByOwner(ctx, r.URL.Query().Get("identity"))
	s.deps.Metrics.DirectoryOp("lookup", directory.StatusCode(err))
	if err != nil {
		s.directoryError(w, "lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		OwnerIdentity string `json:"ownerIdentity"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), util.StoreTimeout)
	defer cancel()

	err := s.deps.Directory.DeleteByOwner(ctx, req.OwnerIdentity)
	s.deps.Metrics.DirectoryOp("delete", directory.StatusCode(err))
	if err != nil {
		s.directoryError(w, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) directoryError(w http.ResponseWriter, op string, err error) {
	code := directory.StatusCode(err)
	if code == http.StatusInternalServerError {
		log.Errorw("directory operation failed", "op", op, "err", err)
	}
	writeError(w, code, directory.Message(err))
}

// decodeBody reads a size-capped JSON body into v. On failure it has
// already answered 400.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return false
	}
	return true
}
