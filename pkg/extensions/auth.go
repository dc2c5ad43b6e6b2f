// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the authentication and authorization extension
// points of the audit API.
//
// The open source build ships two implementations: NopAuthProvider, which
// treats every caller as a local admin, and TokenAuthProvider, which checks a
// single shared bearer token. Deployments that need an identity provider
// implement AuthProvider and hand it to the server.
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/awnumar/memguard"
)

// ErrUnauthorized is returned when authentication or authorization fails.
// Implementations should wrap it with additional context.
//
// Example:
//
//	if !validToken {
//	    return nil, fmt.Errorf("invalid token format: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// Roles understood by RoleAuthorizer.
const (
	RoleAdmin   = "admin"
	RoleAuditor = "auditor"
	RoleViewer  = "viewer"
)

// Actions checked by the audit API.
const (
	ActionRunAudit = "run_audit"
	ActionReadRuns = "read_runs"
)

// AuthInfo contains identity information returned after successful
// authentication.
type AuthInfo struct {
	// Subject identifies the caller. Never empty.
	Subject string

	// Roles drive authorization decisions.
	Roles []string
}

// HasRole checks if the caller has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthProvider validates bearer tokens and returns the caller's identity.
//
// Example implementation backed by an identity provider:
//
//	type OIDCAuthProvider struct {
//	    verifier *oidc.IDTokenVerifier
//	}
//
//	func (p *OIDCAuthProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
//	    idToken, err := p.verifier.Verify(ctx, token)
//	    if err != nil {
//	        return nil, fmt.Errorf("oidc validation failed: %w", ErrUnauthorized)
//	    }
//	    return &AuthInfo{Subject: idToken.Subject, Roles: []string{RoleViewer}}, nil
//	}
type AuthProvider interface {
	// Validate checks the token and returns the caller's identity.
	//
	// Returns ErrUnauthorized (possibly wrapped) for a missing, malformed
	// or unknown token.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthorizationProvider decides whether a caller may perform an action.
type AuthorizationProvider interface {
	// Authorize returns nil when allowed and ErrUnauthorized otherwise.
	Authorize(ctx context.Context, user *AuthInfo, action string) error
}

// NopAuthProvider is the default for local single-user deployments: any
// token, including none, authenticates as "local-user" with admin rights.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{Subject: "local-user", Roles: []string{RoleAdmin}}, nil
}

// TokenAuthProvider accepts one shared bearer token. The token is held in
// a memguard enclave and only decrypted for the comparison.
type TokenAuthProvider struct {
	token *memguard.Enclave
	roles []string
}

// NewTokenAuthProvider seals token. Callers presenting it receive roles.
// The token slice is wiped.
//
// # Outputs
//
//   - *TokenAuthProvider: Ready provider.
//   - error: The token is empty.
func NewTokenAuthProvider(token []byte, roles ...string) (*TokenAuthProvider, error) {
	if len(token) == 0 {
		return nil, fmt.Errorf("empty api token: %w", ErrUnauthorized)
	}
	if len(roles) == 0 {
		roles = []string{RoleAuditor}
	}
	return &TokenAuthProvider{token: memguard.NewEnclave(token), roles: roles}, nil
}

// LoadTokenAuthProvider reads the token from a file such as a mounted
// secret. Surrounding whitespace is ignored.
func LoadTokenAuthProvider(path string, roles ...string) (*TokenAuthProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read api token: %w", err)
	}
	token := []byte(strings.TrimSpace(string(data)))
	memguard.WipeBytes(data)
	return NewTokenAuthProvider(token, roles...)
}

// Validate compares token to the sealed one in constant time.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	buf, err := p.token.Open()
	if err != nil {
		return nil, fmt.Errorf("open token enclave: %w", err)
	}
	defer buf.Destroy()
	if subtle.ConstantTimeCompare(buf.Bytes(), []byte(token)) != 1 {
		return nil, fmt.Errorf("token mismatch: %w", ErrUnauthorized)
	}
	return &AuthInfo{Subject: "token", Roles: slices.Clone(p.roles)}, nil
}

// RoleAuthorizer grants actions by role. Admin may do everything.
type RoleAuthorizer struct {
	grants map[string][]string
}

// DefaultRoleAuthorizer lets auditors run and read audits and viewers only
// read them.
func DefaultRoleAuthorizer() *RoleAuthorizer {
	return &RoleAuthorizer{grants: map[string][]string{
		ActionRunAudit: {RoleAuditor},
		ActionReadRuns: {RoleAuditor, RoleViewer},
	}}
}

// Authorize implements AuthorizationProvider.
func (r *RoleAuthorizer) Authorize(_ context.Context, user *AuthInfo, action string) error {
	if user == nil {
		return fmt.Errorf("no identity: %w", ErrUnauthorized)
	}
	if user.HasRole(RoleAdmin) {
		return nil
	}
	for _, role := range r.grants[action] {
		if user.HasRole(role) {
			return nil
		}
	}
	return fmt.Errorf("%s may not %s: %w", user.Subject, action, ErrUnauthorized)
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider          = (*NopAuthProvider)(nil)
	_ AuthProvider          = (*TokenAuthProvider)(nil)
	_ AuthorizationProvider = (*RoleAuthorizer)(nil)
)
