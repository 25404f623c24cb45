package authkit

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/contactsauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidJSON = "invalid_json"
	errorCodeInternal    = "internal_error"
	errorCodeCancelled   = "request_cancelled"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

// MountAuthRoutes registers the /auth endpoints.
func MountAuthRoutes(router gin.IRouter, service *AuthService, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.POST("/auth/signup", func(contextGin *gin.Context) {
		var inbound credentialsRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidJSON})
			return
		}
		principal, signupErr := service.Signup(contextGin.Request.Context(), inbound.Email, inbound.Password)
		if signupErr != nil {
			writeAuthError(contextGin, logger, signupErr)
			return
		}
		contextGin.JSON(http.StatusCreated, gin.H{
			"user":   principal,
			"detail": "User successfully created. Check your email for confirmation.",
		})
	})

	router.POST("/auth/login", func(contextGin *gin.Context) {
		var inbound credentialsRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidJSON})
			return
		}
		pair, loginErr := service.Login(contextGin.Request.Context(), inbound.Email, inbound.Password)
		if loginErr != nil {
			writeAuthError(contextGin, logger, loginErr)
			return
		}
		contextGin.JSON(http.StatusOK, pair)
	})

	router.GET("/auth/refresh_token", func(contextGin *gin.Context) {
		refreshToken, tokenErr := sessionvalidator.BearerToken(contextGin.Request)
		if tokenErr != nil {
			writeAuthError(contextGin, logger, ErrInvalidCredentials)
			return
		}
		pair, refreshErr := service.Refresh(contextGin.Request.Context(), refreshToken)
		if refreshErr != nil {
			writeAuthError(contextGin, logger, refreshErr)
			return
		}
		contextGin.JSON(http.StatusOK, pair)
	})

	router.POST("/auth/logout", RequireSession(service, logger), func(contextGin *gin.Context) {
		principal, _ := PrincipalFromContext(contextGin)
		if logoutErr := service.Logout(contextGin.Request.Context(), principal.Email); logoutErr != nil {
			writeAuthError(contextGin, logger, logoutErr)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	router.GET("/auth/confirmed_email/:token", func(contextGin *gin.Context) {
		outcome, confirmErr := service.ConfirmEmail(contextGin.Request.Context(), contextGin.Param("token"))
		if confirmErr != nil {
			writeAuthError(contextGin, logger, confirmErr)
			return
		}
		message := "Email confirmed"
		if outcome == OutcomeAlreadyConfirmed {
			message = "Your email is already confirmed"
		}
		contextGin.JSON(http.StatusOK, gin.H{"outcome": outcome, "message": message})
	})

	router.POST("/auth/request_email", func(contextGin *gin.Context) {
		var inbound emailRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidJSON})
			return
		}
		if requestErr := service.RequestEmailConfirmation(contextGin.Request.Context(), inbound.Email); requestErr != nil {
			writeAuthError(contextGin, logger, requestErr)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"message": "Check your email for confirmation."})
	})

	router.POST("/auth/request_reset_password", func(contextGin *gin.Context) {
		var inbound emailRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidJSON})
			return
		}
		if requestErr := service.RequestPasswordReset(contextGin.Request.Context(), inbound.Email); requestErr != nil {
			writeAuthError(contextGin, logger, requestErr)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"message": "Check your email for a password reset link."})
	})

	router.POST("/auth/update_password/:token", func(contextGin *gin.Context) {
		var inbound passwordRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidJSON})
			return
		}
		if resetErr := service.ApplyPasswordReset(contextGin.Request.Context(), contextGin.Param("token"), inbound.Password); resetErr != nil {
			writeAuthError(contextGin, logger, resetErr)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"message": "Password updated"})
	})
}

// WriteError maps a service error onto a stable status and code.
func WriteError(contextGin *gin.Context, logger *zap.Logger, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	writeAuthError(contextGin, logger, err)
}

func writeAuthError(contextGin *gin.Context, logger *zap.Logger, err error) {
	status, code := classifyError(err)
	switch status {
	case http.StatusInternalServerError, http.StatusServiceUnavailable:
		logger.Error("auth request failed",
			zap.String("code", code),
			zap.String("path", contextGin.FullPath()),
			zap.Error(err),
		)
	}
	contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
}

// classifyError keeps login failures coarse: unknown email and wrong password
// share one code.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable, ErrStorageUnavailable.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, errorCodeCancelled
	case errors.Is(err, ErrEmailNotConfirmed):
		return http.StatusUnauthorized, ErrEmailNotConfirmed.Error()
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, ErrInvalidCredentials.Error()
	case errors.Is(err, ErrInvalidOrExpiredToken):
		return http.StatusBadRequest, ErrInvalidOrExpiredToken.Error()
	case errors.Is(err, ErrPasswordPolicy):
		return http.StatusBadRequest, ErrPasswordPolicy.Error()
	case errors.Is(err, ErrInvalidEmailAddress):
		return http.StatusBadRequest, ErrInvalidEmailAddress.Error()
	case errors.Is(err, ErrInvalidAvatarURL):
		return http.StatusBadRequest, ErrInvalidAvatarURL.Error()
	case errors.Is(err, ErrAccountAlreadyExists):
		return http.StatusConflict, ErrAccountAlreadyExists.Error()
	default:
		return http.StatusInternalServerError, errorCodeInternal
	}
}
