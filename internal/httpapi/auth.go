package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextKeyClaims   = "auth_claims"
	bearerPrefix       = "Bearer "
	signingMethodHS256 = "HS256"
)

type sessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// sessionMiddleware authenticates requests with an HS256 session token taken
// from the Authorization header or the session cookie. The token subject is
// the user id.
func sessionMiddleware(cfg Config) gin.HandlerFunc {
	signingKey := []byte(cfg.SessionSigningKey)
	return func(ctx *gin.Context) {
		tokenValue := extractToken(ctx, cfg.SessionCookieName)
		if tokenValue == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		claims := &sessionClaims{}
		_, err := jwt.ParseWithClaims(tokenValue, claims,
			func(token *jwt.Token) (any, error) { return signingKey, nil },
			jwt.WithValidMethods([]string{signingMethodHS256}),
			jwt.WithIssuer(cfg.SessionIssuer),
		)
		if err != nil || strings.TrimSpace(claims.Subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
			return
		}
		ctx.Set(contextKeyClaims, claims)
		ctx.Next()
	}
}

func extractToken(ctx *gin.Context, cookieName string) string {
	header := ctx.GetHeader("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	cookie, err := ctx.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return cookie
}

func getClaims(ctx *gin.Context) *sessionClaims {
	claimsValue, ok := ctx.Get(contextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionClaims)
	return claims
}
