package authkit

import (
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/contactsauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const principalContextKey = "auth_principal"

// RequireSession authenticates the Bearer access token and injects the principal.
func RequireSession(service *AuthService, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		accessToken, tokenErr := sessionvalidator.BearerToken(contextGin.Request)
		if tokenErr != nil {
			writeAuthError(contextGin, logger, ErrInvalidCredentials)
			return
		}
		principal, authErr := service.AuthenticateRequest(contextGin.Request.Context(), accessToken)
		if authErr != nil {
			writeAuthError(contextGin, logger, authErr)
			return
		}
		SetPrincipal(contextGin, principal)
		contextGin.Next()
	}
}

// SetPrincipal stores the authenticated principal on the request context.
func SetPrincipal(contextGin *gin.Context, principal Principal) {
	contextGin.Set(principalContextKey, principal)
}

// PrincipalFromContext returns the principal injected by RequireSession.
func PrincipalFromContext(contextGin *gin.Context) (Principal, bool) {
	value, found := contextGin.Get(principalContextKey)
	if !found {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	return principal, ok
}
