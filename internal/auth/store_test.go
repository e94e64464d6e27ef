package auth

import (
	"errors"
	"testing"
	"time"
)

func TestRoleAllows(t *testing.T) {
	tests := []struct {
		role     Role
		required Role
		want     bool
	}{
		{RoleViewer, RoleViewer, true},
		{RoleViewer, RoleEditor, false},
		{RoleEditor, RoleViewer, true},
		{RoleEditor, RoleAdmin, false},
		{RoleAdmin, RoleEditor, true},
		{Role("root"), RoleViewer, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"->"+string(tt.required), func(t *testing.T) {
			if got := tt.role.Allows(tt.required); got != tt.want {
				t.Fatalf("Allows = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInMemoryStore_RegisterLookup(t *testing.T) {
	s := NewInMemoryStore()
	ident, err := s.Register(RoleEditor, 0)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ident.Token == "" || ident.ExpiresAt != nil {
		t.Fatalf("identity = %#v", ident)
	}
	got, ok := s.Lookup(ident.Token)
	if !ok || got.ID != ident.ID || got.Role != RoleEditor {
		t.Fatalf("Lookup = %#v, %v", got, ok)
	}
	if _, ok := s.Lookup("nope"); ok {
		t.Fatalf("Lookup of unknown token succeeded")
	}
}

func TestInMemoryStore_RegisterInvalidRole(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.Register(Role("root"), 0); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("err = %v, want ErrInvalidRole", err)
	}
}

func TestInMemoryStore_Expiry(t *testing.T) {
	s := NewInMemoryStore()
	past := time.Now().Add(-time.Minute)
	s.Seed(Identity{ID: "old", Role: RoleViewer, Token: "t-old", ExpiresAt: &past})
	if _, ok := s.Lookup("t-old"); ok {
		t.Fatalf("expired identity was seeded")
	}

	s.Seed(Identity{ID: "ok", Role: RoleViewer, Token: "t-ok"})
	if _, ok := s.Lookup("t-ok"); !ok {
		t.Fatalf("seeded identity not found")
	}
	s.Seed(Identity{ID: "blank", Role: RoleViewer})
	if _, ok := s.Lookup(""); ok {
		t.Fatalf("identity without token was seeded")
	}
}
