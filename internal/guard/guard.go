// Package guard implements the precondition checks run before protected
// operations.
//
// Guards are an explicit ordered list composed with Chain: each guard
// returns nil (pass) or a *Rejection, and the chain short-circuits on
// the first rejection, keeping guard order auditable. Guards are pure
// with respect to their inputs and must be evaluated fresh per request;
// availability and token validity are both time-varying, so outcomes are
// never cached.
package guard

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"gatekit/internal/availability"
	"gatekit/internal/token"
)

type Code int

const (
	CodeNoDatabase Code = iota
	CodeUnauthorized
	CodeForbidden
)

func (c Code) String() string {
	switch c {
	case CodeNoDatabase:
		return "no_database"
	case CodeUnauthorized:
		return "unauthorized"
	default:
		return "forbidden"
	}
}

// Rejection is a guard's negative outcome. It carries only a coarse code
// plus a short reason suitable for a response body.
type Rejection struct {
	Code   Code
	Reason string
}

func (r *Rejection) Error() string {
	if r.Reason == "" {
		return r.Code.String()
	}
	return r.Code.String() + ": " + r.Reason
}

// HTTPStatus maps the rejection onto the boundary signal an HTTP surface
// should emit: authentication-required, authorization-denied, or
// service-unavailable.
func (r *Rejection) HTTPStatus() int {
	switch r.Code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

// AsRejection unwraps a guard error into its *Rejection, if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// Request is the per-request input to a guard chain. Claims is populated
// by role guards on successful validation so downstream business logic
// can read the verified identity.
type Request struct {
	Token  string
	Claims *token.Claims
}

// Guard is a single precondition check.
type Guard interface {
	Name() string
	Check(ctx context.Context, req *Request) error
}

// Chain evaluates guards in order and stops at the first rejection.
func Chain(guards ...Guard) Guard {
	return chainGuard(guards)
}

type chainGuard []Guard

func (c chainGuard) Name() string { return "chain" }

func (c chainGuard) Check(ctx context.Context, req *Request) error {
	for _, g := range c {
		if g == nil {
			continue
		}
		if err := g.Check(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// Database returns a guard that passes iff the availability store is in
// the Connected state. It reads the snapshot only; it never checks out a
// connection, so it cannot block on the pool.
func Database(store *availability.Store) Guard {
	return databaseGuard{store: store}
}

type databaseGuard struct {
	store *availability.Store
}

func (databaseGuard) Name() string { return "database" }

func (g databaseGuard) Check(_ context.Context, _ *Request) error {
	if g.store == nil || !g.store.Current().Connected() {
		return &Rejection{Code: CodeNoDatabase, Reason: "database not configured or unreachable"}
	}
	return nil
}

// Role returns a guard that validates the request token and requires the
// claims' role to satisfy the given level.
func Role(codec *token.Codec, required token.Role) Guard {
	return roleGuard{codec: codec, required: required}
}

// RoleOptional behaves like Role but lets anonymous requests through
// without claims. A token that is present and invalid is still rejected.
func RoleOptional(codec *token.Codec, required token.Role) Guard {
	return roleGuard{codec: codec, required: required, optional: true}
}

type roleGuard struct {
	codec    *token.Codec
	required token.Role
	optional bool
}

func (g roleGuard) Name() string { return "role" }

func (g roleGuard) Check(_ context.Context, req *Request) error {
	raw := strings.TrimSpace(req.Token)
	if raw == "" {
		if g.optional {
			return nil
		}
		return &Rejection{Code: CodeUnauthorized, Reason: "missing token"}
	}

	claims, err := g.codec.Validate(raw)
	if err != nil {
		// Malformed, bad signature and expired all surface as the same
		// boundary signal; the category is logged, not returned.
		return &Rejection{Code: CodeUnauthorized, Reason: "invalid token"}
	}
	if !claims.Role.Satisfies(g.required) {
		return &Rejection{Code: CodeForbidden, Reason: "insufficient role"}
	}
	req.Claims = &claims
	return nil
}

// BearerToken extracts the token from an Authorization header value.
// Returns "" when the header carries no usable token.
func BearerToken(header string) string {
	h := strings.TrimSpace(header)
	if h == "" {
		return ""
	}
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}
