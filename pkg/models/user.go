package models

import (
	"fmt"
	"strings"
	"time"
)

// UserContext is the resolved (user_id, permissions) tuple the core consumes.
// Authentication happens outside the core; by the time work reaches the
// executor or agent engine the caller identity is already established.
type UserContext struct {
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions,omitempty"`
}

// CanExecuteFunction checks permission to execute namespace/name.
// Recognised grants: "resource.function/<ns>/<name>.execute:own|all" plus
// namespace ("<ns>/*") and global ("*") wildcards.
func (u *UserContext) CanExecuteFunction(namespace, name string) bool {
	want := []string{
		fmt.Sprintf("resource.function/%s/%s.execute:own", namespace, name),
		fmt.Sprintf("resource.function/%s/%s.execute:all", namespace, name),
		fmt.Sprintf("resource.function/%s/*.execute:own", namespace),
		fmt.Sprintf("resource.function/%s/*.execute:all", namespace),
	}
	for _, p := range u.Permissions {
		if p == "*" {
			return true
		}
		for _, w := range want {
			if p == w {
				return true
			}
		}
	}
	return false
}

// HasPermission reports an exact or wildcard permission grant.
func (u *UserContext) HasPermission(perm string) bool {
	for _, p := range u.Permissions {
		if p == "*" || p == perm {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(perm, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// StateRecord is one key/value entry in an agent-visible state namespace.
// Writes under the same (user_id, namespace, key) are last-writer-wins.
type StateRecord struct {
	UserID    string    `json:"user_id"`
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
