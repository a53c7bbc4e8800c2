// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package deliveryservice

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// logTailLines bounds the per-transfer log tail reported in the
// final query result.
const logTailLines = 64

// logTail is a logrus hook keeping the last logTailLines formatted
// entries of one transfer's logger.
type logTail struct {
	mtx   sync.Mutex
	lines []string
}

func (lt *logTail) Levels() []logrus.Level { return logrus.AllLevels }

func (lt *logTail) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	lt.mtx.Lock()
	defer lt.mtx.Unlock()
	lt.lines = append(lt.lines, strings.TrimSuffix(line, "\n"))
	if len(lt.lines) > logTailLines {
		lt.lines = lt.lines[len(lt.lines)-logTailLines:]
	}
	return nil
}

func (lt *logTail) Tail() string {
	if lt == nil {
		return ""
	}
	lt.mtx.Lock()
	defer lt.mtx.Unlock()
	return strings.Join(lt.lines, "\n")
}

// transferLogger returns a logger for one transfer whose output also
// accumulates in a bounded tail for the scheduler that requested the
// transfer.
func (h *handler) transferLogger(id string) (logrus.FieldLogger, *logTail) {
	tail := &logTail{}
	tlog := logrus.New()
	switch base := h.logger.(type) {
	case *logrus.Logger:
		tlog.Out = base.Out
		tlog.Formatter = base.Formatter
		tlog.Level = base.Level
	case *logrus.Entry:
		tlog.Out = base.Logger.Out
		tlog.Formatter = base.Logger.Formatter
		tlog.Level = base.Logger.Level
	}
	tlog.AddHook(tail)
	return tlog.WithField("DTR", id), tail
}
