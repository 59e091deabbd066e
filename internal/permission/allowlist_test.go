package permission

import (
	"testing"

	"github.com/ashureev/cody/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestParseAllowList(t *testing.T) {
	if ParseAllowList(nil) != nil {
		t.Fatal("nil spec should parse to a nil list")
	}

	empty := ParseAllowList(strPtr(""))
	if empty == nil || len(empty) != 0 {
		t.Fatalf("empty spec should parse to an empty non-nil list, got %v", empty)
	}

	list := ParseAllowList(strPtr(" Read, edit ,,BASH "))
	for _, name := range []string{"read", "edit", "bash"} {
		if _, ok := list[name]; !ok {
			t.Errorf("list missing %q: %v", name, list)
		}
	}
	if len(list) != 3 {
		t.Errorf("len = %d, want 3", len(list))
	}
}

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name string
		tool string
		spec *string
		want bool
	}{
		{"unset list allows everything", "Bash", nil, true},
		{"member", "Read", strPtr("Read,Edit"), true},
		{"member case-insensitive", "rEaD", strPtr("Read,Edit"), true},
		{"non-member", "Bash", strPtr("Read,Edit"), false},
		{"empty list allows nothing", "Read", strPtr(""), false},
		{"clarification tool always allowed", ClarificationTool, strPtr(""), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAllowed(tt.tool, ParseAllowList(tt.spec)); got != tt.want {
				t.Errorf("IsAllowed(%q, %v) = %v, want %v", tt.tool, tt.spec, got, tt.want)
			}
		})
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		tool string
		mode domain.PermissionMode
		spec *string
		want Decision
	}{
		{"clarification asks in free mode", ClarificationTool, domain.PermissionFree, nil, Ask},
		{"clarification asks even when not listed", ClarificationTool, domain.PermissionSecure, strPtr("Read"), Ask},
		{"free mode allows", "Bash", domain.PermissionFree, strPtr("Read"), Allow},
		{"secure unset list asks", "Bash", domain.PermissionSecure, nil, Ask},
		{"secure listed asks", "Read", domain.PermissionSecure, strPtr("Read,Edit"), Ask},
		{"secure unlisted denies", "Bash", domain.PermissionSecure, strPtr("Read,Edit"), Deny},
		{"secure empty list denies", "Read", domain.PermissionSecure, strPtr(""), Deny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.tool, tt.mode, ParseAllowList(tt.spec)); got != tt.want {
				t.Errorf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}
