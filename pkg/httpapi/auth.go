package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/uaesivakumar/upr-authority/pkg/contracts"
)

const tokenIssuer = "upr-authority"

// Claims are the bearer token claims for an execution identity. The
// token pins the caller to one enterprise and optionally one workspace;
// it grants no other authority.
type Claims struct {
	jwt.RegisteredClaims
	EnterpriseID string `json:"enterprise_id"`
	WorkspaceID  string `json:"workspace_id,omitempty"`
	Role         string `json:"role,omitempty"`
}

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	UserID       string
	EnterpriseID string
	WorkspaceID  string
	Role         contracts.Role
}

// Actor converts the identity into the audit actor shape.
func (id Identity) Actor() contracts.Actor {
	return contracts.Actor{ID: id.UserID, Role: id.Role}
}

// Authenticator verifies HS256 execution-identity tokens.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds a verifier over the shared signing secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// IssueToken mints a bearer token for an identity. Used by tests and by
// the dev-token subcommand; production identities come from the identity
// provider signing with the same secret.
func (a *Authenticator) IssueToken(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		EnterpriseID: id.EnterpriseID,
		WorkspaceID:  id.WorkspaceID,
		Role:         string(id.Role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses and validates a token, returning the identity it pins.
func (a *Authenticator) Verify(tokenStr string) (*Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, contracts.NewKernelError(contracts.CodeUnauthorized, "invalid or expired token")
	}
	if !token.Valid {
		return nil, contracts.NewKernelError(contracts.CodeUnauthorized, "invalid token")
	}
	if claims.Subject == "" {
		return nil, contracts.NewKernelError(contracts.CodeUnauthorized, "token subject is required")
	}
	if claims.EnterpriseID == "" {
		return nil, contracts.NewKernelError(contracts.CodeUnauthorized, "token enterprise binding is required")
	}

	role, err := roleFromClaim(claims.Role)
	if err != nil {
		return nil, err
	}
	return &Identity{
		UserID:       claims.Subject,
		EnterpriseID: claims.EnterpriseID,
		WorkspaceID:  claims.WorkspaceID,
		Role:         role,
	}, nil
}

// roleFromClaim admits only roles a bearer may carry. The system actor
// is never a token.
func roleFromClaim(claim string) (contracts.Role, error) {
	switch contracts.Role(claim) {
	case "":
		return contracts.RoleUser, nil
	case contracts.RoleUser, contracts.RoleEnterpriseAdmin,
		contracts.RoleCalibrationAdmin, contracts.RoleSuperAdmin:
		return contracts.Role(claim), nil
	default:
		return "", contracts.NewKernelErrorf(contracts.CodeUnauthorized,
			"token role %q is not a bearer role", claim)
	}
}

type identityKey struct{}

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the authenticated identity, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// identity fetches the caller or writes a 401. Handlers behind the auth
// middleware only hit the error path when misregistered as public.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeErr(w, r, contracts.NewKernelError(contracts.CodeUnauthorized, "authentication required"))
	}
	return id, ok
}

// Public paths: health, and invite routes where the capability token in
// the path is the credential (evaluators are external humans without
// kernel identities).
func isPublicPath(path string) bool {
	if path == "/healthz" {
		return true
	}
	return strings.HasPrefix(path, "/v1/calibration/invites/")
}

// authMiddleware authenticates every non-public request. No
// authenticator means fail closed.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			writeErr(w, r, contracts.NewKernelError(contracts.CodeUnauthorized, "missing Authorization header"))
			return
		}
		scheme, tokenStr, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			writeErr(w, r, contracts.NewKernelError(contracts.CodeUnauthorized,
				"Authorization header must be 'Bearer <token>'"))
			return
		}
		if s.auth == nil {
			writeErr(w, r, contracts.NewKernelError(contracts.CodeUnauthorized, "authentication not configured"))
			return
		}

		ident, err := s.auth.Verify(tokenStr)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), *ident)))
	})
}

type requestIDKey struct{}

// requestIDMiddleware injects an X-Request-ID into context and response.
// A client-supplied id is reused so traces correlate across hops.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
