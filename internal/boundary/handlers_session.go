package boundary

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"cupid-crypto/internal/keymanager"
	"cupid-crypto/internal/ratchet"
	"cupid-crypto/internal/session"
)

// SessionHandlers is the thin validation shell in front of SessionEngine.
type SessionHandlers struct {
	sessions *session.Engine
	keys     *keymanager.Manager
}

func NewSessionHandlers(sessions *session.Engine, keys *keymanager.Manager) *SessionHandlers {
	return &SessionHandlers{sessions: sessions, keys: keys}
}

// Init handles POST /session/init: fetches the peer's current bundle and
// runs X3DH initiation without sending a message.
func (h *SessionHandlers) Init(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	deviceID := callerDeviceID(c)

	var req sessionInitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	peerID, err := uuid.Parse(req.PeerUserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer user id"})
		return
	}

	bundle, err := h.keys.FetchPreKeyBundle(c.Request.Context(), peerID, req.PeerDeviceID)
	if err != nil {
		renderError(c, err)
		return
	}

	if err := h.sessions.Initiate(c.Request.Context(), userID, deviceID, req.Passphrase, peerID, req.PeerDeviceID, bundle); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"established": true})
}

// Encrypt handles POST /session/encrypt. If no session exists yet, it
// fetches a fresh bundle and lets Engine.Encrypt run X3DH initiation
// inline, matching §6's "encrypt may implicitly establish" contract.
func (h *SessionHandlers) Encrypt(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	deviceID := callerDeviceID(c)

	var req sessionEncryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	peerID, err := uuid.Parse(req.PeerUserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer user id"})
		return
	}
	plaintext, err := unb64(req.Plaintext)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid plaintext encoding"})
		return
	}

	exists, err := h.sessions.Has(c.Request.Context(), userID, peerID, req.PeerDeviceID)
	if err != nil {
		renderError(c, err)
		return
	}
	var bundle *ratchet.Bundle
	if !exists {
		bundle, err = h.keys.FetchPreKeyBundle(c.Request.Context(), peerID, req.PeerDeviceID)
		if err != nil {
			renderError(c, err)
			return
		}
	}

	result, err := h.sessions.Encrypt(c.Request.Context(), userID, deviceID, req.Passphrase, peerID, req.PeerDeviceID, plaintext, bundle)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionEncryptResponse{
		MessageType: string(result.MessageType),
		Ciphertext:  b64(result.EncryptedContent),
	})
}

// Decrypt handles POST /session/decrypt.
func (h *SessionHandlers) Decrypt(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	deviceID := callerDeviceID(c)

	var req sessionDecryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	peerID, err := uuid.Parse(req.PeerUserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer user id"})
		return
	}
	wireMessage, err := unb64(req.Ciphertext)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ciphertext encoding"})
		return
	}

	plaintext, err := h.sessions.Decrypt(c.Request.Context(), userID, deviceID, req.Passphrase, peerID, req.PeerDeviceID, wireMessage)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionDecryptResponse{Plaintext: b64(plaintext)})
}

// Has handles GET /session/has: reports whether a session already
// exists for (caller, peer) without establishing one.
func (h *SessionHandlers) Has(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	peerID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer user id"})
		return
	}
	peerDevice := 1
	if dq := c.Query("deviceId"); dq != "" {
		if n, err := parsePositiveInt(dq); err == nil {
			peerDevice = n
		}
	}

	exists, err := h.sessions.Has(c.Request.Context(), userID, peerID, peerDevice)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionHasResponse{Exists: exists})
}

// Delete handles DELETE /session: tears down an established session
// with a peer, e.g. in response to a local device wipe.
func (h *SessionHandlers) Delete(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	peerID, err := uuid.Parse(c.Query("peerUserId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer user id"})
		return
	}
	peerDevice := 1
	if dq := c.Query("deviceId"); dq != "" {
		if n, err := parsePositiveInt(dq); err == nil {
			peerDevice = n
		}
	}

	if err := h.sessions.Delete(c.Request.Context(), userID, peerID, peerDevice); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
