package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(Config{SigningKey: testKey, Issuer: "gatekit-test"})
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestIssueValidateRoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestCodec(t)

	raw, err := c.Issue("user-42", RoleOperator, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := c.Validate(raw)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "user-42" || claims.Role != RoleOperator {
		t.Fatalf("claims = %+v", claims)
	}
	now := time.Now()
	if claims.IssuedAt.After(now) {
		t.Fatalf("iat %v is in the future", claims.IssuedAt)
	}
	if !now.Before(claims.Expiry) {
		t.Fatalf("expiry %v is not ahead of now", claims.Expiry)
	}
}

func TestValidateExpired(t *testing.T) {
	t.Parallel()
	c := newTestCodec(t)

	// ttl of one second, clock advanced two seconds: no sleeping needed.
	raw, err := c.Issue("user-1", RoleMember, time.Second)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c.now = func() time.Time { return time.Now().Add(2 * time.Second) }

	_, err = c.Validate(raw)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("Validate = %v, want ErrExpired", err)
	}
}

func TestValidateNotYetValid(t *testing.T) {
	t.Parallel()
	c := newTestCodec(t)

	raw, err := c.Issue("user-1", RoleMember, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	// A token from the "future" is rejected with the same coarse category.
	c.now = func() time.Time { return time.Now().Add(-time.Minute) }
	_, err = c.Validate(raw)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("Validate = %v, want ErrExpired", err)
	}
}

func TestValidateSignature(t *testing.T) {
	t.Parallel()
	c := newTestCodec(t)
	other, err := NewCodec(Config{SigningKey: []byte("another-key-another-key-another!"), Issuer: "gatekit-test"})
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	raw, err := other.Issue("user-1", RoleAdmin, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := c.Validate(raw); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("Validate = %v, want ErrSignatureInvalid", err)
	}

	// Tampering with the payload breaks the signature, not the structure.
	good, err := c.Issue("user-1", RoleMember, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	parts := strings.Split(good, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %q", good)
	}
	tampered := parts[0] + "." + parts[1][:len(parts[1])-2] + "AA" + "." + parts[2]
	if _, err := c.Validate(tampered); err == nil {
		t.Fatal("expected tampered token to fail")
	}
}

func TestValidateMalformed(t *testing.T) {
	t.Parallel()
	c := newTestCodec(t)
	for _, raw := range []string{"", "   ", "garbage", "a.b", "a.b.c.d"} {
		if _, err := c.Validate(raw); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Validate(%q) = %v, want ErrMalformed", raw, err)
		}
	}
}

func TestRoleOrder(t *testing.T) {
	t.Parallel()
	if !RoleAdmin.Satisfies(RoleMember) {
		t.Fatal("admin should satisfy member")
	}
	if RoleMember.Satisfies(RoleAdmin) {
		t.Fatal("member should not satisfy admin")
	}
	if !RoleOperator.Satisfies(RoleOperator) {
		t.Fatal("role should satisfy itself")
	}

	r, err := ParseRole("Controller")
	if err != nil || r != RoleOperator {
		t.Fatalf("ParseRole(Controller) = (%v, %v)", r, err)
	}
	if _, err := ParseRole("root"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}
