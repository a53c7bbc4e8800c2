// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gridstage

import (
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CredentialSuite{})

type CredentialSuite struct{}

func (s *CredentialSuite) TestValid(c *check.C) {
	var nilCred *Credential
	c.Check(nilCred.Valid(), check.ErrorMatches, `no credential`)

	cred := &Credential{DN: "/DC=org/CN=alice"}
	c.Check(cred.Valid(), check.IsNil)

	cred.Expires = time.Now().Add(time.Hour)
	c.Check(cred.Valid(), check.IsNil)

	cred.Expires = time.Now().Add(-time.Second)
	c.Check(cred.Valid(), check.Equals, ErrExpiredCredential)
}

func (s *CredentialSuite) TestAttr(c *check.C) {
	cred := &Credential{VOMSAttrs: []string{"/atlas/production/Role=prod", "/atlas"}}
	c.Check(cred.Attr("vo"), check.Equals, "atlas")
	c.Check(cred.Attr("group"), check.Equals, "/atlas/production")
	c.Check(cred.Attr("role"), check.Equals, "prod")
	c.Check(cred.Attr("nonsense"), check.Equals, "")

	plain := &Credential{VOMSAttrs: []string{"/cms/analysis"}}
	c.Check(plain.Attr("vo"), check.Equals, "cms")
	c.Check(plain.Attr("group"), check.Equals, "/cms/analysis")
	c.Check(plain.Attr("role"), check.Equals, "")

	c.Check((&Credential{}).Attr("vo"), check.Equals, "")
	c.Check((*Credential)(nil).Attr("vo"), check.Equals, "")
}
