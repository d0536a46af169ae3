package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Claims identify a dashboard user and the clinics they belong to
type Claims struct {
	UserID    string   `json:"userId"`
	Email     string   `json:"email"`
	Role      string   `json:"role"`
	ClinicIDs []string `json:"clinicIds"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 token valid for ttl
func GenerateToken(secret string, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateToken parses and verifies an HS256 token
func ValidateToken(secret, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

var errMissingToken = errors.New("missing bearer token")

func bearer(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", errMissingToken
	}
	return strings.TrimSpace(token), nil
}

// TenantAuth gates dashboard routes: a valid Bearer token is required (401)
// and the X-Clinic-ID header must name one of the token's clinics (403).
// The resolved clinic id is available through TenantID.
func TenantAuth(secret string, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearer(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := ValidateToken(secret, raw)
			if err != nil {
				logger.Debug("token rejected",
					zap.String("request_id", GetRequestID(r.Context())),
					zap.Error(err))
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			clinicID := strings.TrimSpace(r.Header.Get("X-Clinic-ID"))
			if clinicID == "" || !slices.Contains(claims.ClinicIDs, clinicID) {
				logger.Warn("clinic access denied",
					zap.String("user_id", claims.UserID),
					zap.String("clinic_id", clinicID),
					zap.String("request_id", GetRequestID(r.Context())))
				writeError(w, http.StatusForbidden, "access to clinic denied")
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			ctx = context.WithValue(ctx, TenantKey, clinicID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantID returns the clinic resolved by TenantAuth
func TenantID(ctx context.Context) string {
	if id, ok := ctx.Value(TenantKey).(string); ok {
		return id
	}
	return ""
}

// GetClaims returns the verified token claims
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(ClaimsKey).(*Claims)
	return c
}
