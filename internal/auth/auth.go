// Package auth resolves API keys to principals and checks role
// permissions.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/config"
)

// Permissions checked by the API.
const (
	PermInference      = "inference:use"
	PermDocumentsWrite = "documents:write"
	PermDocumentsRead  = "documents:read"
	PermRegistryAdmin  = "registry:admin"
)

// Principal is the caller behind an API key.
type Principal struct {
	APIKeyID            string
	UserID              string
	Role                string
	MaxTokensPerRequest int
}

// UserDirectory resolves API keys.
type UserDirectory interface {
	Lookup(ctx context.Context, apiKey string) (*Principal, error)
}

// PermissionChecker answers role permission questions.
type PermissionChecker interface {
	HasPermission(role, permission string) bool
}

// StaticDirectory holds keys from configuration, indexed by hash so the
// plaintext is not kept in memory.
type StaticDirectory struct {
	keys map[string]Principal
}

func NewStaticDirectory(keys []config.APIKeyConfig) *StaticDirectory {
	d := &StaticDirectory{keys: make(map[string]Principal, len(keys))}
	for _, k := range keys {
		if k.Key == "" {
			continue
		}
		d.keys[hashKey(k.Key)] = Principal{
			APIKeyID:            k.ID,
			UserID:              k.UserID,
			Role:                k.Role,
			MaxTokensPerRequest: k.MaxTokensPerRequest,
		}
	}
	return d
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (d *StaticDirectory) Lookup(_ context.Context, apiKey string) (*Principal, error) {
	if apiKey == "" {
		return nil, apperr.Unauthorized("missing api key")
	}
	h := hashKey(apiKey)
	for stored, p := range d.keys {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(h)) == 1 {
			p := p
			return &p, nil
		}
	}
	return nil, apperr.Unauthorized("invalid api key")
}

// RolePermissions grants permissions per role. "*" grants everything.
type RolePermissions map[string][]string

func (r RolePermissions) HasPermission(role, permission string) bool {
	perms := r[role]
	return slices.Contains(perms, "*") || slices.Contains(perms, permission)
}
