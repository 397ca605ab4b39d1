package middleware

import (
	"net/http"
	"strings"

	"github.com/evetabi/prediction/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CtxUserID is the gin context key JWTMiddleware stores the caller's id
// under, and GetUserID reads it back from.
const CtxUserID = "userID"

// accessClaims is the minimal claim set this engine verifies. It never
// issues tokens itself — the auth/session layer that does so is an external
// collaborator (spec §1 out-of-scope line); this engine only relies on its
// signature.
type accessClaims struct {
	jwt.RegisteredClaims
}

// JWTMiddleware validates the Bearer token in the Authorization header
// against secret and stores the caller's userID (uuid.UUID) in the gin
// context. Generalized from the teacher's JWTMiddleware, stripped of the
// role/tier checks that belonged to its backoffice authorization model —
// this engine has exactly one authenticated identity, the bettor.
func JWTMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": domain.ErrUnauthorized.Error(),
			})
			return
		}

		tokenString := strings.TrimPrefix(header, "Bearer ")
		userID, err := VerifyAccessToken(tokenString, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": domain.ErrUnauthorized.Error(),
			})
			return
		}

		c.Set(CtxUserID, userID)
		c.Next()
	}
}

// VerifyAccessToken parses and validates a bearer token, returning the
// caller's user id from its subject claim. Shared by the HTTP middleware
// and the gateway's WebSocket upgrade handshake, since both are relying
// parties on the same token.
func VerifyAccessToken(tokenString, secret string) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &accessClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrUnauthorized
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, domain.ErrUnauthorized
	}
	claims, ok := token.Claims.(*accessClaims)
	if !ok {
		return uuid.Nil, domain.ErrUnauthorized
	}
	return uuid.Parse(claims.Subject)
}

// GetUserID retrieves the authenticated user's UUID from the gin context.
// Returns uuid.Nil if the middleware was not applied or the value is missing.
func GetUserID(c *gin.Context) uuid.UUID {
	v, exists := c.Get(CtxUserID)
	if !exists {
		return uuid.Nil
	}
	id, _ := v.(uuid.UUID)
	return id
}
