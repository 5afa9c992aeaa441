package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	ctxClaimsKey = "claims"
	ctxAuthKey   = "auth"
)

func bearer(c *gin.Context) (string, bool) {
	authz := c.GetHeader("Authorization")
	if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(authz[len("bearer "):])
	return tok, tok != ""
}

// RequireBearer enforces bearer JWT tokens signed with HS256.
func RequireBearer(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, ok := bearer(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxClaimsKey, claims)
		c.Set(ctxAuthKey, Context{Token: tokenStr, Subject: claims.Subject, Role: claims.Role})
		c.Next()
	}
}

// RequireRole allows only the listed roles. Must run after RequireBearer.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing role"})
			return
		}
		if _, ok := allowed[claims.Role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// Forward captures the caller's bearer token without verifying it, falling back to
// the station token. Requests with neither are rejected.
func Forward(fallback string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, ok := bearer(c)
		if !ok {
			tokenStr = fallback
		}
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		c.Set(ctxAuthKey, FromToken(tokenStr))
		c.Next()
	}
}

// ClaimsFrom returns verified claims set by RequireBearer.
func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(ctxClaimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

// From returns the request's auth context.
func From(c *gin.Context) Context {
	v, _ := c.Get(ctxAuthKey)
	ac, _ := v.(Context)
	return ac
}
