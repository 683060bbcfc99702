package boundary

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"cupid-crypto/internal/keymanager"
)

var errNotANumber = errors.New("not a number")

// KeysHandlers is the thin validation shell in front of KeyManager.
type KeysHandlers struct {
	keys *keymanager.Manager
}

func NewKeysHandlers(keys *keymanager.Manager) *KeysHandlers {
	return &KeysHandlers{keys: keys}
}

// Generate handles POST /keys/generate: mints a fresh identity, signed
// pre-key, and one-time pre-key batch for the caller's device.
func (h *KeysHandlers) Generate(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	deviceID := callerDeviceID(c)

	var req generateKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	res, err := h.keys.GenerateInitialKeys(c.Request.Context(), userID, deviceID, req.Passphrase)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, generateKeysResponse{
		RegistrationID:     deviceID,
		IdentityKey:        b64(res.IdentityPublic),
		SignedPreKeyID:     res.SignedPreKeyID,
		SignedPreKey:       b64(res.SignedPreKeyPublic),
		SignedPreKeySig:    b64(res.SignedPreKeySig),
		OneTimePreKeyCount: len(res.OneTimePreKeyIDs),
	})
}

// Register handles POST /keys/register. The bundle already exists from
// Generate, so this confirms the caller's registrationId matches what
// KeyManager has on file — idempotent on a matching id, per the
// testable property the wire contract promises.
func (h *KeysHandlers) Register(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	deviceID := callerDeviceID(c)

	var req registerKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.RegistrationID != deviceID {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "registrationId does not match authenticated device"})
		return
	}

	status, err := h.keys.KeyStatus(c.Request.Context(), userID, deviceID)
	if err != nil {
		renderError(c, err)
		return
	}

	identityKey := ""
	if status.HasIdentity {
		pub, err := h.keys.PublicIdentityKey(c.Request.Context(), userID, deviceID)
		if err != nil {
			renderError(c, err)
			return
		}
		identityKey = b64(pub)
	}

	c.JSON(http.StatusOK, registerKeysResponse{
		RegistrationID: deviceID,
		IdentityKey:    identityKey,
		Registered:     status.HasIdentity,
	})
}

// Bundle handles GET /keys/bundle/:userId: fetches the pre-key bundle a
// caller needs to run X3DH against userId's default device.
func (h *KeysHandlers) Bundle(c *gin.Context) {
	peerID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	peerDevice := 1
	if dq := c.Query("deviceId"); dq != "" {
		if n, err := parsePositiveInt(dq); err == nil {
			peerDevice = n
		}
	}

	bundle, err := h.keys.FetchPreKeyBundle(c.Request.Context(), peerID, peerDevice)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, bundleToResponse(peerID.String(), peerDevice, bundle))
}

// Replenish handles POST /keys/replenish. Accepts only a passphrase:
// the server mints and seals the fresh one-time pre-key batch itself,
// since no unsealed private key material is ever accepted from a caller.
func (h *KeysHandlers) Replenish(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	deviceID := callerDeviceID(c)

	var req replenishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	added, err := h.keys.ReplenishOneTimePreKeys(c.Request.Context(), userID, deviceID, req.Passphrase)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, replenishResponse{Added: added})
}

// RotateSignedPreKey handles POST /keys/rotate-signed.
func (h *KeysHandlers) RotateSignedPreKey(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	deviceID := callerDeviceID(c)

	var req rotateSignedPreKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	identity, err := h.keys.LoadIdentityKeyPair(c.Request.Context(), userID, deviceID, req.Passphrase)
	if err != nil {
		renderError(c, err)
		return
	}

	spk, err := h.keys.RotateSignedPreKey(c.Request.Context(), userID, deviceID, req.Passphrase, identity)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, rotateSignedPreKeyResponse{
		SignedPreKeyID:  spk.KeyID,
		SignedPreKey:    b64(spk.PublicKey),
		SignedPreKeySig: b64(spk.Signature),
	})
}

// Status handles GET /keys/status.
func (h *KeysHandlers) Status(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	deviceID := callerDeviceID(c)

	status, err := h.keys.KeyStatus(c.Request.Context(), userID, deviceID)
	if err != nil {
		renderError(c, err)
		return
	}

	resp := keyStatusResponse{
		HasIdentity:           status.HasIdentity,
		HasActiveSignedPreKey: status.HasActiveSignedPreKey,
		UnusedOneTimeKeys:     status.UnusedOneTimeKeys,
	}
	if status.HasActiveSignedPreKey {
		resp.CurrentSignedPreKeyID = status.CurrentSignedPreKeyID
		resp.SignedPreKeyAgeSeconds = int64(status.CurrentSignedPreKeyAge / time.Second)
		resp.SignedPreKeyExpiresAt = status.SignedPreKeyExpiresAt.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// Delete handles DELETE /keys: wipes all key material for the caller's
// device, cascading to sessions and trust pins that reference it.
func (h *KeysHandlers) Delete(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	deviceID := callerDeviceID(c)

	if err := h.keys.DeleteAllKeys(c.Request.Context(), userID, deviceID); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errNotANumber
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 {
		return 0, errNotANumber
	}
	return n, nil
}
