package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/daveri-app/assistant/internal/auth"
	"github.com/daveri-app/assistant/internal/common"
)

const UserIDKey = "userID"

// AuthRequired validates the bearer JWT and stores the user id in the
// request context. Missing or invalid tokens abort with 401 and the
// auth_required reason so clients can route to the login paywall.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			common.Fail(c, http.StatusUnauthorized, 40101, "auth_required")
			c.Abort()
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		uid, err := auth.ParseJWT(token, secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "auth_required")
			c.Abort()
			return
		}

		c.Set(UserIDKey, uid)
		c.Next()
	}
}
