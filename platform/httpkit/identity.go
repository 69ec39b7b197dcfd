// Package httpkit provides HTTP utilities including identity abstraction.
package httpkit

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Identity represents the authenticated caller's identity.
// This interface abstracts identity extraction from the web framework,
// allowing handlers to access user information without depending on Gin.
type Identity interface {
	// UserID returns the authenticated user's ID. It doubles as the caller id
	// for per-caller rate limits.
	UserID() string
	// TenantID returns the tenant the token was issued for, or "".
	TenantID() string
	// HasRole checks if the user has a specific role.
	HasRole(role string) bool
	// IsAuthenticated returns true if the user is authenticated.
	IsAuthenticated() bool
}

type identity struct {
	userID        string
	tenantID      string
	roles         []string
	authenticated bool
}

func (i *identity) UserID() string {
	return i.userID
}

func (i *identity) TenantID() string {
	return i.tenantID
}

func (i *identity) HasRole(role string) bool {
	for _, r := range i.roles {
		if r == role {
			return true
		}
	}
	return false
}

func (i *identity) IsAuthenticated() bool {
	return i.authenticated
}

// GetIdentity extracts the Identity from a Gin context.
// Returns an unauthenticated identity if user info is not present.
func GetIdentity(c *gin.Context) Identity {
	userID := c.GetString(ContextUserIDKey)
	if userID == "" {
		return &identity{authenticated: false}
	}

	var roleList []string
	if roles, ok := c.Get(ContextRolesKey); ok {
		roleList, _ = roles.([]string)
	}

	return &identity{
		userID:        userID,
		tenantID:      c.GetString(ContextTenantIDKey),
		roles:         roleList,
		authenticated: true,
	}
}

// MustGetIdentity extracts the Identity from a Gin context.
// If the user is not authenticated, it aborts with 401 Unauthorized and returns nil.
func MustGetIdentity(c *gin.Context) Identity {
	id := GetIdentity(c)
	if !id.IsAuthenticated() {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: errMissingToken})
		return nil
	}
	return id
}

// MustGetTenantIdentity is MustGetIdentity for tenant-scoped endpoints. A
// token without a tenant claim is rejected with 403 Forbidden.
func MustGetTenantIdentity(c *gin.Context) Identity {
	id := MustGetIdentity(c)
	if id == nil {
		return nil
	}
	if id.TenantID() == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: "tenant required"})
		return nil
	}
	return id
}
