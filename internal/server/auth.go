package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"iqeas/internal/domain"
	"iqeas/internal/engine/auth"
	"iqeas/internal/logging"
	"iqeas/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// AllowQueryToken accepts ?token=<jwt> on the websocket handshake, where
	// browsers cannot set headers.
	AllowQueryToken bool
	DevLogin        bool
	TokenTTL        time.Duration
	Logger          *logging.Logger
}

func (c AuthConfig) logger() *logging.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.Nop()
}

type Principal struct {
	WorkerID int64
	Role     domain.Role
	Source   string
}

func (p Principal) Actor() auth.Actor {
	return auth.Actor{WorkerID: p.WorkerID, Role: p.Role}
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorFromContext(ctx context.Context) (auth.Actor, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.WorkerID != 0 {
		return p.Actor(), nil
	}
	return auth.Actor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role domain.Role `json:"role,omitempty"`
}

func validRole(r domain.Role) bool {
	switch r {
	case domain.RoleWorker, domain.RoleLeader, domain.RolePM, domain.RoleDocumentation, domain.RoleAdmin:
		return true
	}
	return false
}

// SignToken mints an HS256 token whose subject is the worker id.
func SignToken(secret string, workerID int64, role domain.Role, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	if workerID <= 0 {
		return "", time.Time{}, domain.ValidationError{Field: "worker_id", Reason: "must be positive"}
	}
	if !validRole(role) {
		return "", time.Time{}, domain.ValidationError{Field: "role", Reason: "unknown role " + string(role)}
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	exp := now.Add(ttl)
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(workerID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    "iqeas",
		},
		Role: role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	return token, exp, err
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	workerID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || workerID <= 0 {
		return Principal{}, errors.New("subject must be a worker id")
	}
	role := claims.Role
	if role == "" {
		role = domain.RoleWorker
	}
	if !validRole(role) {
		return Principal{}, errors.New("unknown role claim")
	}
	return Principal{WorkerID: workerID, Role: role, Source: "jwt"}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.WorkerID == 0 {
		return Principal{}, errors.New("api key missing worker")
	}
	return Principal{WorkerID: apiKey.WorkerID, Role: apiKey.Role, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

var errNoCredential = errors.New("authentication required")

// Authenticator resolves request credentials: a bearer JWT, an X-Api-Key
// header, or on the websocket handshake a ?token= query parameter.
type Authenticator struct {
	Config AuthConfig
	Repo   repo.Repo
}

func (a Authenticator) principal(req *http.Request, allowQuery bool) (Principal, error) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		token, ok := bearerToken(authz)
		if !ok {
			return Principal{}, errors.New("malformed authorization header")
		}
		return authenticateJWT(token, a.Config.JWTSecret)
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		return authenticateAPIKey(req.Context(), a.Repo, key)
	}
	if allowQuery && a.Config.AllowQueryToken {
		if token := strings.TrimSpace(req.URL.Query().Get("token")); token != "" {
			return authenticateJWT(token, a.Config.JWTSecret)
		}
	}
	return Principal{}, errNoCredential
}

// Authenticate implements gateway.Authenticator.
func (a Authenticator) Authenticate(req *http.Request) (auth.Actor, error) {
	p, err := a.principal(req, true)
	if err != nil {
		return auth.Actor{}, err
	}
	return p.Actor(), nil
}

func newAuthMiddleware(basePath string, authn Authenticator, skip ...string) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "openapi.json"):   true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for _, s := range skip {
		open[s] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			principal, err := authn.principal(req, false)
			if err != nil {
				code := "invalid_credentials"
				if errors.Is(err, errNoCredential) {
					code = "unauthorized"
				}
				authn.Config.logger().Debug("request rejected", "path", req.URL.Path, "error", err)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, code, "authentication required", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
