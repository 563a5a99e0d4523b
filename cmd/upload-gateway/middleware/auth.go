package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chunkvault/chunkvault/pkg/types"
	"github.com/chunkvault/chunkvault/pkg/utils"
)

const identityKey = "identity"

// AuthMiddleware validates the Bearer JWT and stores the caller identity in
// the gin context
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token := strings.TrimPrefix(authHeader, "Bearer ")
			identity, err := utils.ValidateJWT(token, jwtSecret)
			if err == nil {
				c.Set(identityKey, identity)
				c.Next()
				return
			}
		}

		c.JSON(http.StatusUnauthorized, types.APIResponse{
			Success: false,
			Error:   "unauthorized",
		})
		c.Abort()
	}
}

// IdentityFromContext extracts the authenticated identity from gin context
func IdentityFromContext(c *gin.Context) (types.Identity, bool) {
	value, exists := c.Get(identityKey)
	if !exists {
		return types.Identity{}, false
	}
	identity, ok := value.(types.Identity)
	return identity, ok
}
