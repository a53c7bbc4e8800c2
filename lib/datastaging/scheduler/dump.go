// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.gridstage.org/gridstage.git/lib/datastaging/dtr"
	"github.com/dustin/go-humanize"
)

// maybeDump writes the one-line-per-DTR state snapshot for external
// inspection, at most once per dumpInterval. The file is replaced
// atomically so readers never see a half-written snapshot.
func (sch *Scheduler) maybeDump() {
	if sch.cfg.DumpLocation == "" || time.Since(sch.lastDump) < dumpInterval {
		return
	}
	sch.lastDump = time.Now()
	var b strings.Builder
	for _, d := range sch.All() {
		fmt.Fprintf(&b, "%s %s %d %s", d.ID(), d.Status(), d.Priority(), d.TransferShare())
		if d.Status() == dtr.StatusTransferring {
			fmt.Fprintf(&b, " %s", humanize.IBytes(uint64(d.BytesTransferred())))
			if size := d.Size(); size > 0 {
				fmt.Fprintf(&b, "/%s", humanize.IBytes(uint64(size)))
			}
		}
		b.WriteByte('\n')
	}
	tmp := sch.cfg.DumpLocation + ".tmp"
	if err := os.MkdirAll(filepath.Dir(sch.cfg.DumpLocation), 0777); err != nil {
		sch.logger.WithError(err).Warn("cannot create dump directory")
		return
	}
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		sch.logger.WithError(err).Warn("cannot write state dump")
		return
	}
	if err := os.Rename(tmp, sch.cfg.DumpLocation); err != nil {
		sch.logger.WithError(err).Warn("cannot replace state dump")
	}
}
