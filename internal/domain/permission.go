package domain

import "encoding/json"

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// PermissionResult is the resolution of a tool-use request.
type PermissionResult struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Allowed reports whether the result permits the tool call.
func (r PermissionResult) Allowed() bool {
	return r.Behavior == BehaviorAllow
}

// Allow returns an allow result that keeps the original input.
func Allow(input json.RawMessage) PermissionResult {
	return PermissionResult{Behavior: BehaviorAllow, UpdatedInput: input}
}

// Deny returns a deny result with an explanation.
func Deny(message string) PermissionResult {
	return PermissionResult{Behavior: BehaviorDeny, Message: message}
}
