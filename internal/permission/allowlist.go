// Package permission decides whether the agent may use a tool and correlates
// human approvals with the tool calls waiting on them.
package permission

import (
	"strings"

	"github.com/ashureev/cody/internal/domain"
)

// ClarificationTool is always routed to the human, whatever the mode or allow-list.
const ClarificationTool = "AskUserQuestion"

// AllowList is a case-insensitive set of tool names. A nil AllowList means
// no restriction; an empty non-nil one permits nothing.
type AllowList map[string]struct{}

// ParseAllowList parses a comma-separated tool list. A nil spec yields a nil list.
func ParseAllowList(spec *string) AllowList {
	if spec == nil {
		return nil
	}
	list := AllowList{}
	for _, name := range strings.Split(*spec, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			list[name] = struct{}{}
		}
	}
	return list
}

// Contains reports whether tool is on the list. A nil list contains everything.
func (l AllowList) Contains(tool string) bool {
	if l == nil {
		return true
	}
	_, ok := l[strings.ToLower(tool)]
	return ok
}

// IsAllowed reports whether tool may request approval under list.
func IsAllowed(tool string, list AllowList) bool {
	if tool == ClarificationTool {
		return true
	}
	return list.Contains(tool)
}

// Decision is the outcome of classifying a tool call.
type Decision int

const (
	// Ask suspends the call until a human responds.
	Ask Decision = iota
	// Allow permits the call immediately.
	Allow
	// Deny rejects the call immediately.
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "ask"
	}
}

// Decide classifies a tool call. Rules are evaluated in order: the
// clarification tool always asks, free mode allows, and secure mode asks
// for allow-listed tools and denies the rest.
func Decide(tool string, mode domain.PermissionMode, list AllowList) Decision {
	if tool == ClarificationTool {
		return Ask
	}
	if mode == domain.PermissionFree {
		return Allow
	}
	if !list.Contains(tool) {
		return Deny
	}
	return Ask
}
