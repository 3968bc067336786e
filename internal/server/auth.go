package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	anonymousUser = "anonymous"
	tokenIssuer   = "shipline"
	userHeader    = "X-User-Id"
)

type AuthConfig struct {
	// JWTSecret enables bearer authentication. When empty the X-User-Id header names the user.
	JWTSecret string
	Logger    *zap.Logger
}

// Principal is the caller behind a request. Projects, when set, limits the
// projects the caller may touch.
type Principal struct {
	UserID   string
	Source   string
	Projects []string
}

func (p Principal) CanAccess(projectID string) bool {
	if projectID == "" || len(p.Projects) == 0 {
		return true
	}
	return slices.Contains(p.Projects, projectID)
}

// tokenClaims are the claims of a shipline bearer token.
type tokenClaims struct {
	Projects []string `json:"projects,omitempty"`
	jwt.RegisteredClaims
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// caller returns the user behind ctx after checking they may act on projectID.
// An empty projectID skips the scope check.
func caller(ctx context.Context, projectID string) (string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.UserID == "" {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if !p.CanAccess(projectID) {
		return "", newAPIError(http.StatusForbidden, "forbidden", "token is not valid for project "+projectID,
			map[string]any{"project_id": projectID})
	}
	return p.UserID, nil
}

type authenticator struct {
	secret string
	log    *zap.Logger
}

func (a authenticator) enabled() bool { return strings.TrimSpace(a.secret) != "" }

func (a authenticator) parse(token string) (Principal, error) {
	if !a.enabled() {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
	)
	claims := &tokenClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(a.secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{UserID: claims.Subject, Source: "jwt", Projects: claims.Projects}, nil
}

// authenticate resolves the principal for req. Without a secret the caller is trusted
// to name themselves in X-User-Id.
func (a authenticator) authenticate(req *http.Request) (Principal, huma.StatusError) {
	if !a.enabled() {
		user := strings.TrimSpace(req.Header.Get(userHeader))
		if user == "" {
			user = anonymousUser
		}
		return Principal{UserID: user, Source: "header"}, nil
	}
	authz := strings.TrimSpace(req.Header.Get("Authorization"))
	if authz == "" {
		return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	scheme, token, ok := strings.Cut(authz, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	}
	p, err := a.parse(token)
	if err != nil {
		a.log.Debug("rejected bearer token", zap.String("path", req.URL.Path), zap.Error(err))
		return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	}
	return p, nil
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
	}
	a := authenticator{secret: cfg.JWTSecret, log: cfg.Logger}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			p, authErr := a.authenticate(req)
			if authErr != nil {
				writeStatusError(w, authErr)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

// IssueToken signs an HS256 token for userID. A positive ttl sets the expiry; projects,
// when given, scope the token to those projects.
func IssueToken(secret, userID string, ttl time.Duration, projects ...string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("token subject is required")
	}
	now := time.Now()
	claims := tokenClaims{
		Projects: projects,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func writeStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
