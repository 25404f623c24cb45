package web

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/contactsauth/internal/authkit"
	"go.uber.org/zap"
)

// AvatarUpdater changes the avatar of an authenticated principal.
type AvatarUpdater interface {
	UpdateAvatar(ctx context.Context, subject string, avatarURL string) (authkit.Principal, error)
}

// HandleWhoAmI returns the public fields of the authenticated principal.
func HandleWhoAmI(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		principal, found := authkit.PrincipalFromContext(contextGin)
		if !found {
			logger.Warn("missing principal on context",
				zap.String("code", "api.me.missing_principal"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.JSON(http.StatusOK, principal.Snapshot())
	}
}

// HandleUpdateAvatar stores a new avatar URL for the authenticated principal.
func HandleUpdateAvatar(updater AvatarUpdater, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if updater == nil {
		panic("avatar updater is required")
	}
	return func(contextGin *gin.Context) {
		principal, found := authkit.PrincipalFromContext(contextGin)
		if !found {
			logger.Warn("missing principal on context",
				zap.String("code", "api.avatar.missing_principal"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		var inbound struct {
			AvatarURL string `json:"avatar_url"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.AvatarURL) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		updated, updateErr := updater.UpdateAvatar(contextGin.Request.Context(), principal.Email, inbound.AvatarURL)
		if updateErr != nil {
			authkit.WriteError(contextGin, logger, updateErr)
			return
		}
		contextGin.JSON(http.StatusOK, updated)
	}
}
