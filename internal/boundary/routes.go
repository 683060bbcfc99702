package boundary

import (
	"github.com/gin-gonic/gin"

	"cupid-crypto/internal/keymanager"
	"cupid-crypto/internal/session"
	"cupid-crypto/internal/trust"
	"cupid-crypto/internal/utils"
)

// Boundary wires the Gin route surface to KeyManager, SessionEngine, and
// TrustLedger, per §6's external interface list. It holds no
// cryptographic logic of its own.
type Boundary struct {
	keys     *KeysHandlers
	sessions *SessionHandlers
	identity *IdentityHandlers
	jwt      *utils.JWTService
}

// New builds a Boundary from the already-constructed core components.
func New(keys *keymanager.Manager, sessions *session.Engine, ledger *trust.Ledger, jwt *utils.JWTService) *Boundary {
	return &Boundary{
		keys:     NewKeysHandlers(keys),
		sessions: NewSessionHandlers(sessions, keys),
		identity: NewIdentityHandlers(ledger),
		jwt:      jwt,
	}
}

// SetupRoutes registers every §6 endpoint under rg, gated by the bearer
// auth middleware.
func (b *Boundary) SetupRoutes(rg *gin.RouterGroup) {
	rg.Use(AuthMiddleware(b.jwt))

	keys := rg.Group("/keys")
	{
		keys.POST("/generate", b.keys.Generate)
		keys.POST("/register", b.keys.Register)
		keys.GET("/bundle/:userId", b.keys.Bundle)
		keys.POST("/replenish", b.keys.Replenish)
		keys.POST("/rotate-signed", b.keys.RotateSignedPreKey)
		keys.GET("/status", b.keys.Status)
		keys.DELETE("", b.keys.Delete)
	}

	sess := rg.Group("/session")
	{
		sess.POST("/init", b.sessions.Init)
		sess.POST("/encrypt", b.sessions.Encrypt)
		sess.POST("/decrypt", b.sessions.Decrypt)
		sess.GET("/has/:userId", b.sessions.Has)
		sess.DELETE("", b.sessions.Delete)
	}

	identity := rg.Group("/identity")
	{
		identity.POST("/verify", b.identity.Verify)
		identity.POST("/trust", b.identity.Trust)
	}
}
