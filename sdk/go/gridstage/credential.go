// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gridstage

import (
	"errors"
	"strings"
	"time"
)

var ErrExpiredCredential = errors.New("credential expired")

// Credential is the delegated identity a transfer runs under. Either
// an x509 proxy (PEM) or a bearer token is carried, never both.
type Credential struct {
	// DN is the subject distinguished name.
	DN string
	// VOMSAttrs holds attributes of the form
	// "/vo/group/Role=role", most specific first.
	VOMSAttrs []string
	// PEM is the full proxy chain including the private key.
	PEM string
	// Token is a bearer token, when token auth is in use.
	Token string
	// Expires is when the shortest-lived element expires.
	Expires time.Time
}

// Valid reports nil if the credential can still be used.
func (c *Credential) Valid() error {
	if c == nil {
		return errors.New("no credential")
	}
	if !c.Expires.IsZero() && !c.Expires.After(time.Now()) {
		return ErrExpiredCredential
	}
	return nil
}

// Attr returns the named VOMS component of the first (most specific)
// attribute: "vo", "group" or "role". Empty string if absent.
func (c *Credential) Attr(name string) string {
	if c == nil || len(c.VOMSAttrs) == 0 {
		return ""
	}
	attr := c.VOMSAttrs[0]
	switch name {
	case "vo":
		trimmed := strings.TrimPrefix(attr, "/")
		if i := strings.IndexByte(trimmed, '/'); i >= 0 {
			return trimmed[:i]
		}
		return trimmed
	case "group":
		if i := strings.Index(attr, "/Role="); i >= 0 {
			return attr[:i]
		}
		return attr
	case "role":
		if i := strings.Index(attr, "Role="); i >= 0 {
			role := attr[i+len("Role="):]
			if j := strings.IndexByte(role, '/'); j >= 0 {
				role = role[:j]
			}
			return role
		}
		return ""
	}
	return ""
}
