package boundary

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"cupid-crypto/internal/trust"
)

// IdentityHandlers is the thin validation shell in front of TrustLedger.
type IdentityHandlers struct {
	trust *trust.Ledger
}

func NewIdentityHandlers(t *trust.Ledger) *IdentityHandlers {
	return &IdentityHandlers{trust: t}
}

// Verify handles POST /identity/verify: compares a caller-supplied
// fingerprint guess against the stored key for a peer, without changing
// trust state (§4.5's "no state transition" note).
func (h *IdentityHandlers) Verify(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req verifyFingerprintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	peerID, err := uuid.Parse(req.PeerUserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer user id"})
		return
	}
	fingerprint, err := unb64(req.Fingerprint)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fingerprint encoding"})
		return
	}

	matches, err := h.trust.VerifyFingerprint(c.Request.Context(), userID, peerID, req.PeerDeviceID, fingerprint)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, verifyFingerprintResponse{Matches: matches})
}

// Trust handles POST /identity/trust: the caller has verified the peer's
// fingerprint out of band and explicitly marks it TRUSTED.
func (h *IdentityHandlers) Trust(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req trustPeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	peerID, err := uuid.Parse(req.PeerUserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer user id"})
		return
	}

	if err := h.trust.Trust(c.Request.Context(), userID, peerID, req.PeerDeviceID); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trusted": true})
}
