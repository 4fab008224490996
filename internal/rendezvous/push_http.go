package rendezvous

import (
	"context"
	"errors"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/petervdpas/syrja/internal/proto"
	"github.com/petervdpas/syrja/internal/util"
	"github.com/petervdpas/syrja/internal/wakeup"
)

type pushSubscriptionRequest struct {
	Identity     string               `json:"identity"`
	Subscription webpush.Subscription `json:"subscription"`
}

// handleStorePushSubscription records where to send wake-up notices for an
// identity. The newest subscription for an identity replaces the old one.
func (s *Server) handleStorePushSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Push == nil {
		writeError(w, http.StatusServiceUnavailable, "push disabled")
		return
	}
	var req pushSubscriptionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	identity := proto.NormalizeIdentity(req.Identity)
	if len(identity) > proto.MaxIdentityLen {
		writeError(w, http.StatusBadRequest, "identity too long")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), util.StoreTimeout)
	defer cancel()

	err := s.deps.Push.Save(ctx, wakeup.Endpoint{Identity: identity, Subscription: req.Subscription})
	switch {
	case errors.Is(err, wakeup.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Errorw("saving push subscription", "identity", util.Fingerprint(identity), "err", err)
		writeError(w, http.StatusInternalServerError, "store failure")
		return
	}
	log.Debugw("push subscription stored", "identity", util.Fingerprint(identity))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleVAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Push == nil || s.deps.VAPIDPublicKey == "" {
		writeError(w, http.StatusNotFound, "push disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.deps.VAPIDPublicKey})
}
