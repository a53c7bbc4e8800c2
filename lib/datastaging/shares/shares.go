// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package shares implements proportional fairness between transfer
// shares. Each share with at least one queued transfer gets a slice
// of the available slots proportional to its base priority, never
// less than one slot.
package shares

import (
	"strings"
	"sync"

	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
)

// DefaultShare is the share used when a credential matches no
// configured reference share.
const DefaultShare = "_default"

// Conf is the static share configuration: how credentials map to
// share names, and each share's base priority.
type Conf struct {
	shareType string
	reference map[string]int
}

// NewConf builds a Conf from the site configuration.
func NewConf(cfg gridstage.SharesConfig) Conf {
	ref := make(map[string]int, len(cfg.ReferenceShares)+1)
	for name, prio := range cfg.ReferenceShares {
		ref[name] = prio
	}
	if _, ok := ref[DefaultShare]; !ok {
		ref[DefaultShare] = 50
	}
	return Conf{shareType: cfg.ShareType, reference: ref}
}

// ShareName maps a credential to its share. The share type decides
// which part of the identity is used: the subject DN, the VO, the
// VOMS role or the VOMS group.
func (c Conf) ShareName(cred *gridstage.Credential) string {
	if cred == nil {
		return DefaultShare
	}
	var name string
	switch c.shareType {
	case "dn":
		name = cred.DN
	case "voms:vo":
		name = cred.Attr("vo")
	case "voms:role":
		name = cred.Attr("role")
	case "voms:group":
		name = cred.Attr("group")
	}
	if name == "" {
		return DefaultShare
	}
	if _, ok := c.reference[name]; !ok {
		return DefaultShare
	}
	return name
}

// Priority returns the base priority of a share. Sub-shares
// ("share-sub") inherit the parent share's priority.
func (c Conf) Priority(share string) int {
	if prio, ok := c.reference[share]; ok {
		return prio
	}
	if i := strings.LastIndexByte(share, '-'); i > 0 {
		if prio, ok := c.reference[share[:i]]; ok {
			return prio
		}
	}
	return c.reference[DefaultShare]
}

// Shares tracks the transfers queued or active per share, and turns
// base priorities into slot counts.
type Shares struct {
	conf Conf

	mtx    sync.Mutex
	queued map[string]int // share -> transfers waiting or active in this queue
	slots  map[string]int // share -> slots granted by CalculateShares
}

// New returns an empty share tracker using conf.
func New(conf Conf) *Shares {
	return &Shares{
		conf:   conf,
		queued: map[string]int{},
		slots:  map[string]int{},
	}
}

// Increase counts one more transfer in the given share.
func (s *Shares) Increase(share string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.queued[share]++
}

// Decrease removes one transfer from the given share.
func (s *Shares) Decrease(share string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.queued[share] <= 1 {
		delete(s.queued, share)
	} else {
		s.queued[share]--
	}
}

// IsActive reports whether the share has any counted transfers.
func (s *Shares) IsActive(share string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.queued[share] > 0
}

// Counts returns a copy of the per-share transfer counts.
func (s *Shares) Counts() map[string]int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	counts := make(map[string]int, len(s.queued))
	for share, n := range s.queued {
		counts[share] = n
	}
	return counts
}

// ActiveShares lists shares with at least one counted transfer.
func (s *Shares) ActiveShares() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var active []string
	for share := range s.queued {
		active = append(active, share)
	}
	return active
}

// CalculateShares divides totalSlots between the active shares in
// proportion to their base priorities. Every active share gets at
// least one slot, so the sum can exceed totalSlots when many shares
// are active.
func (s *Shares) CalculateShares(totalSlots int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.slots = map[string]int{}
	sum := 0
	for share := range s.queued {
		sum += s.conf.Priority(share)
	}
	if sum == 0 {
		return
	}
	for share := range s.queued {
		n := s.conf.Priority(share) * totalSlots / sum
		if n < 1 {
			n = 1
		}
		s.slots[share] = n
	}
}

// CanStart reports whether the share still has a granted slot left.
func (s *Shares) CanStart(share string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.slots[share] > 0
}

// DecreaseNumberOfSlots uses up one of the share's granted slots,
// e.g. for a transfer already running when shares were recalculated.
func (s *Shares) DecreaseNumberOfSlots(share string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.slots[share] > 0 {
		s.slots[share]--
	}
}

// Slots returns the current slot grant for a share (0 if none).
func (s *Shares) Slots(share string) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.slots[share]
}

// Conf returns the static configuration.
func (s *Shares) Conf() Conf {
	return s.conf
}
