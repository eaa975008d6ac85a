package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

// Headers accepted in place of a token when auth is skipped.
const (
	ActorIDHeader   = "X-Actor-ID"
	ActorRoleHeader = "X-Actor-Role"
)

// Actor is the authenticated caller. The approval engine trusts it as-is.
type Actor struct {
	ID   string
	Role workflow.Role
}

// ActorClaims is the JWT payload: sub is the actor ID, role the HR role.
type ActorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ActorFrom returns the actor stored on ctx.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

// WithActor stores a on ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// Authenticator resolves the actor of a request from a bearer token, or from
// plain headers when skip is set.
type Authenticator struct {
	secret []byte
	skip   bool
}

// NewAuthenticator creates an Authenticator for HS256 tokens.
func NewAuthenticator(secret string, skip bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), skip: skip}
}

// IssueToken signs a token for actor. Used by tests and local tooling.
func (a *Authenticator) IssueToken(actor Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ActorClaims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates a token and returns its actor.
func (a *Authenticator) Parse(token string) (Actor, error) {
	claims := &ActorClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Actor{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return Actor{}, jwt.ErrTokenInvalidClaims
	}
	return Actor{ID: claims.Subject, Role: workflow.Role(claims.Role)}, nil
}

func (a *Authenticator) resolve(authorization, actorID, actorRole string) (Actor, error) {
	if a.skip {
		if actorID == "" {
			return Actor{}, fmt.Errorf("missing %s header", ActorIDHeader)
		}
		return Actor{ID: actorID, Role: workflow.Role(actorRole)}, nil
	}
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || token == "" {
		return Actor{}, fmt.Errorf("missing bearer token")
	}
	return a.Parse(token)
}

// HTTP requires an actor on every request it wraps.
func (a *Authenticator) HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.resolve(
			r.Header.Get("Authorization"),
			r.Header.Get(ActorIDHeader),
			r.Header.Get(ActorRoleHeader),
		)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "UNAUTHORIZED", "message": err.Error()},
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// UnaryServerInterceptor authenticates gRPC calls from the authorization
// metadata. Health checks pass through.
func (a *Authenticator) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") ||
			strings.HasPrefix(info.FullMethod, "/grpc.reflection.") {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		actor, err := a.resolve(
			first(md, "authorization"),
			first(md, strings.ToLower(ActorIDHeader)),
			first(md, strings.ToLower(ActorRoleHeader)),
		)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(WithActor(ctx, actor), req)
	}
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}
