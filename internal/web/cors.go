package web

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors.origin.wildcard")
	errEmptyAllowedOrigins = errors.New("cors.origins.empty")
	errInvalidOrigin       = errors.New("cors.origin.invalid")
)

// ConfigureCORS enables cross-origin requests for supplied origins. Tokens
// travel in the Authorization header, so credentials are not enabled.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sanitized, err := sanitizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	config := cors.Config{
		AllowOrigins:     sanitized,
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	return cors.New(config), nil
}

// sanitizeOrigins normalizes the configured origins to scheme://host, dropping
// blanks and duplicates. The result is sorted.
func sanitizeOrigins(logger *zap.Logger, allowed []string) ([]string, error) {
	seen := make(map[string]struct{}, len(allowed))
	sanitized := make([]string, 0, len(allowed))
	for _, raw := range allowed {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		normalized, hostname, err := normalizeOrigin(trimmed)
		if err != nil {
			return nil, err
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		if strings.HasPrefix(normalized, "http://") && !isLoopbackHost(hostname) {
			logger.Warn("plain http cors origin configured",
				zap.String("code", "cors.origin.unsafe"),
				zap.String("origin", normalized))
		}
		sanitized = append(sanitized, normalized)
	}
	if len(sanitized) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	sort.Strings(sanitized)
	return sanitized, nil
}

func normalizeOrigin(origin string) (string, string, error) {
	if origin == "*" {
		return "", "", errWildcardOrigin
	}
	parsed, parseErr := url.Parse(origin)
	switch {
	case parseErr != nil || parsed.Host == "":
		return "", "", fmt.Errorf("cors.origin.parse: %w: %s", errInvalidOrigin, origin)
	case parsed.Scheme != "http" && parsed.Scheme != "https":
		return "", "", fmt.Errorf("cors.origin.scheme: %w: %s", errInvalidOrigin, origin)
	case parsed.Path != "" && parsed.Path != "/":
		return "", "", fmt.Errorf("cors.origin.path: %w: %s", errInvalidOrigin, origin)
	case parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil:
		return "", "", fmt.Errorf("cors.origin.extra: %w: %s", errInvalidOrigin, origin)
	}
	return parsed.Scheme + "://" + strings.ToLower(parsed.Host), parsed.Hostname(), nil
}

// isLoopbackHost accepts localhost names and loopback addresses.
func isLoopbackHost(hostname string) bool {
	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		return true
	}
	address := net.ParseIP(hostname)
	return address != nil && address.IsLoopback()
}
