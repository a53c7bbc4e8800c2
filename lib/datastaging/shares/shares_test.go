// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package shares

import (
	"testing"
	"time"

	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&SharesSuite{})

type SharesSuite struct{}

func (*SharesSuite) conf(shareType string, ref map[string]int) Conf {
	return NewConf(gridstage.SharesConfig{ShareType: shareType, ReferenceShares: ref})
}

func (s *SharesSuite) TestProportionalSplit(c *check.C) {
	conf := s.conf("dn", map[string]int{"alice": 30, "bob": 70})
	tsh := New(conf)
	for i := 0; i < 5; i++ {
		tsh.Increase("alice")
	}
	for i := 0; i < 5; i++ {
		tsh.Increase("bob")
	}
	tsh.CalculateShares(10)
	c.Check(tsh.Slots("alice"), check.Equals, 3)
	c.Check(tsh.Slots("bob"), check.Equals, 7)
}

func (s *SharesSuite) TestFloorOfOne(c *check.C) {
	conf := s.conf("dn", map[string]int{"a": 50, "b": 50, "c": 50})
	tsh := New(conf)
	tsh.Increase("a")
	tsh.Increase("b")
	tsh.Increase("c")
	tsh.CalculateShares(2)
	// Three equal shares cannot split 2 slots evenly; every active
	// share still gets at least one.
	c.Check(tsh.Slots("a"), check.Equals, 1)
	c.Check(tsh.Slots("b"), check.Equals, 1)
	c.Check(tsh.Slots("c"), check.Equals, 1)
}

func (s *SharesSuite) TestCounts(c *check.C) {
	tsh := New(s.conf("dn", map[string]int{"alice": 30, "bob": 70}))
	tsh.Increase("alice")
	tsh.Increase("alice")
	tsh.Increase("bob")
	c.Check(tsh.Counts(), check.DeepEquals, map[string]int{"alice": 2, "bob": 1})
	tsh.Decrease("bob")
	c.Check(tsh.Counts(), check.DeepEquals, map[string]int{"alice": 2})
}

func (s *SharesSuite) TestInactiveShareGetsNothing(c *check.C) {
	conf := s.conf("dn", map[string]int{"alice": 30, "bob": 70})
	tsh := New(conf)
	tsh.Increase("alice")
	tsh.CalculateShares(10)
	c.Check(tsh.Slots("alice"), check.Equals, 10)
	c.Check(tsh.Slots("bob"), check.Equals, 0)
	c.Check(tsh.CanStart("bob"), check.Equals, false)
}

func (s *SharesSuite) TestSlotConsumption(c *check.C) {
	conf := s.conf("dn", nil)
	tsh := New(conf)
	tsh.Increase(DefaultShare)
	tsh.CalculateShares(2)
	c.Check(tsh.CanStart(DefaultShare), check.Equals, true)
	tsh.DecreaseNumberOfSlots(DefaultShare)
	c.Check(tsh.CanStart(DefaultShare), check.Equals, true)
	tsh.DecreaseNumberOfSlots(DefaultShare)
	c.Check(tsh.CanStart(DefaultShare), check.Equals, false)
	// Using up a slot never goes negative.
	tsh.DecreaseNumberOfSlots(DefaultShare)
	c.Check(tsh.Slots(DefaultShare), check.Equals, 0)
}

func (s *SharesSuite) TestIncreaseDecrease(c *check.C) {
	tsh := New(s.conf("dn", nil))
	c.Check(tsh.IsActive("x"), check.Equals, false)
	tsh.Increase("x")
	tsh.Increase("x")
	c.Check(tsh.IsActive("x"), check.Equals, true)
	tsh.Decrease("x")
	c.Check(tsh.IsActive("x"), check.Equals, true)
	tsh.Decrease("x")
	c.Check(tsh.IsActive("x"), check.Equals, false)
	c.Check(tsh.ActiveShares(), check.HasLen, 0)
}

func (s *SharesSuite) TestShareNameByType(c *check.C) {
	cred := &gridstage.Credential{
		DN:        "/DC=org/CN=alice",
		VOMSAttrs: []string{"/atlas/production/Role=prod"},
		Expires:   time.Now().Add(time.Hour),
	}
	ref := map[string]int{
		"/DC=org/CN=alice":  60,
		"atlas":             70,
		"prod":              80,
		"/atlas/production": 90,
	}
	c.Check(s.conf("dn", ref).ShareName(cred), check.Equals, "/DC=org/CN=alice")
	c.Check(s.conf("voms:vo", ref).ShareName(cred), check.Equals, "atlas")
	c.Check(s.conf("voms:role", ref).ShareName(cred), check.Equals, "prod")
	c.Check(s.conf("voms:group", ref).ShareName(cred), check.Equals, "/atlas/production")
}

func (s *SharesSuite) TestShareNameFallsBackToDefault(c *check.C) {
	conf := s.conf("dn", map[string]int{"alice": 60})
	c.Check(conf.ShareName(nil), check.Equals, DefaultShare)
	// A credential whose DN matches no reference share lands in
	// the default share.
	c.Check(conf.ShareName(&gridstage.Credential{DN: "/CN=mallory"}), check.Equals, DefaultShare)
}

func (s *SharesSuite) TestPriority(c *check.C) {
	conf := s.conf("dn", map[string]int{"alice": 60})
	c.Check(conf.Priority("alice"), check.Equals, 60)
	// Sub-shares inherit the parent's priority.
	c.Check(conf.Priority("alice-jobcache"), check.Equals, 60)
	c.Check(conf.Priority("nobody"), check.Equals, 50)
	c.Check(conf.Priority(DefaultShare), check.Equals, 50)
}
