package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey          contextKey = "user_id"
	UserRolesKey       contextKey = "user_roles"
	UserPermissionsKey contextKey = "user_permissions"
	CaregiverIDKey     contextKey = "caregiver_id"
)

type Claims struct {
	jwt.RegisteredClaims
	AgencyID    string   `json:"agency_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	// CaregiverID is set on tokens issued to field staff and ties the
	// session to a caregiver record.
	CaregiverID string `json:"caregiver_id,omitempty"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			opts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"HS256"}),
			}
			if cfg.Issuer != "" {
				opts = append(opts, jwt.WithIssuer(cfg.Issuer))
			}
			if cfg.Audience != "" {
				opts = append(opts, jwt.WithAudience(cfg.Audience))
			}

			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			// Set values on echo context for agency scoping
			c.Set("jwt_agency_id", claims.AgencyID)

			// Set values on request context
			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
			ctx = context.WithValue(ctx, UserRolesKey, claims.Roles)
			ctx = context.WithValue(ctx, UserPermissionsKey, claims.Permissions)
			ctx = context.WithValue(ctx, CaregiverIDKey, claims.CaregiverID)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development that allows
// unauthenticated requests with default values.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("jwt_agency_id", "default")
			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, UserIDKey, "00000000-0000-0000-0000-000000000001")
			ctx = context.WithValue(ctx, UserRolesKey, []string{"admin", "supervisor", "caregiver"})
			ctx = context.WithValue(ctx, UserPermissionsKey, []string{"evv:clock"})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

func PermissionsFromContext(ctx context.Context) []string {
	perms, _ := ctx.Value(UserPermissionsKey).([]string)
	return perms
}

func CaregiverIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(CaregiverIDKey).(string)
	return id
}
