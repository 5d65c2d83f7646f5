package gradius

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jinzhu/gorm"
	"github.com/lib/pq"
)

func TestWrapPackageErrorKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"record not found", gorm.ErrRecordNotFound, KindNotFound},
		{"postgres unique violation", &pq.Error{Code: "23505"}, KindConflict},
		{"postgres other error", &pq.Error{Code: "23503"}, KindInternal},
		{"mysql duplicate entry", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, KindConflict},
		{"mysql other error", &mysql.MySQLError{Number: 1045, Message: "Access denied"}, KindInternal},
		{"wrapped unique violation", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), KindConflict},
		{"plain error", errors.New("disk on fire"), KindInternal},
	}
	for _, tc := range cases {
		err := wrapPackageError("test", tc.err)
		if KindOf(err) != tc.kind {
			t.Errorf("%v: expected %v, got %v", tc.name, tc.kind, KindOf(err))
		}
		if !errors.Is(err, tc.err) {
			t.Errorf("%v: expected the driver error to stay in the chain", tc.name)
		}
	}

	if wrapPackageError("test", nil) != nil {
		t.Errorf("Expected nil to stay nil")
	}

	kinded := errorf(KindForbidden, "inner", "nope")
	if wrapPackageError("outer", kinded) != error(kinded) {
		t.Errorf("Expected an already kinded error to pass through")
	}
}

func TestPublicMessage(t *testing.T) {
	cases := []struct {
		err      error
		expected string
	}{
		{errors.New("connection refused on 10.0.0.5"), "internal server error"},
		{newError(KindInternal, "database.peer", errors.New("syntax error near SELECT")), "internal server error"},
		{newError(KindUnavailable, "keys.generate", errors.New("entropy source failed")), "service temporarily unavailable"},
		{newError(KindUnavailable, "federation.exchange", fmt.Errorf("%w: timeout", ErrFederationUnavailable)), ErrFederationUnavailable.Error()},
		{newError(KindPoolExhausted, "pool.allocate", &IPsExhaustedError{}), "no available ip addresses in vpn subnet"},
		{newError(KindUnauthenticated, "accounts.login", ErrInvalidCredentials), "invalid credentials"},
		{errorf(KindNotFound, "peers.get", "peer not found"), "peer not found"},
	}
	for _, tc := range cases {
		if message := PublicMessage(tc.err); message != tc.expected {
			t.Errorf("Expected %q for %v, got %q", tc.expected, tc.err, message)
		}
	}
}

func TestKindOfUnwraps(t *testing.T) {
	err := fmt.Errorf("handler: %w", errorf(KindConflict, "accounts.register", "email already registered"))
	if KindOf(err) != KindConflict {
		t.Errorf("Expected conflict, got %v", KindOf(err))
	}
	if KindOf(nil) != KindInternal {
		t.Errorf("Expected errors without a kind to be internal")
	}
	if KindConflict.String() != "conflict" || ErrorKind(99).String() != "internal" {
		t.Errorf("Unexpected kind names")
	}
}
