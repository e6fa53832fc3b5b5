// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the caller's platform account from request headers.
// Authentication is out of scope: the gateway in front of this service is
// trusted to set X-User-ID and X-Platform.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderUserID carries the caller's account id on its platform.
	HeaderUserID = "X-User-ID"
	// HeaderPlatform names the caller's platform.
	HeaderPlatform = "X-Platform"
	// DefaultPlatform is assumed when X-Platform is absent.
	DefaultPlatform = "telegram"

	ctxKeyAccount  = "userID"
	ctxKeyPlatform = "platform"
)

// Identity stores the caller's platform and account id in the Gin context.
// Requests without X-User-ID pass through unidentified; handlers that need an
// account reject them.
func Identity(defaultPlatform string) gin.HandlerFunc {
	if strings.TrimSpace(defaultPlatform) == "" {
		defaultPlatform = DefaultPlatform
	}
	return func(c *gin.Context) {
		account := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if account != "" {
			platform := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderPlatform)))
			if platform == "" {
				platform = defaultPlatform
			}
			c.Set(ctxKeyAccount, account)
			c.Set(ctxKeyPlatform, platform)
		}
		c.Next()
	}
}

// AccountFrom returns the identity stored by Identity. ok is false when the
// request carried no account.
func AccountFrom(c *gin.Context) (platform, accountID string, ok bool) {
	accountID = c.GetString(ctxKeyAccount)
	platform = c.GetString(ctxKeyPlatform)
	return platform, accountID, accountID != "" && platform != ""
}

// RequesterID is the "<platform>:<account>" key that owns offers, tasks and
// archives, or "" for anonymous requests.
func RequesterID(c *gin.Context) string {
	platform, account, ok := AccountFrom(c)
	if !ok {
		return ""
	}
	return platform + ":" + account
}
