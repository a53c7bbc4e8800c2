// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package delivery moves the bytes. Each TRANSFERRING DTR is handed
// to a Comm: either a local subprocess speaking a fixed-size binary
// status record over stdout, or a remote delivery service speaking
// XML over HTTP. The Delivery manager starts transfers, polls their
// status into the DTR, and hands the DTR back to the scheduler when
// the transfer ends or is cancelled.
package delivery

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"git.gridstage.org/gridstage.git/lib/datastaging/dtr"
)

// CommStatus is the state of the channel between the delivery
// manager and the process doing the transfer.
type CommStatus uint32

const (
	// CommInit: communication set up but no status record seen yet.
	CommInit CommStatus = iota
	// CommNoError: receiving status records normally.
	CommNoError
	// CommClosed: final record received, channel closed cleanly.
	CommClosed
	// CommExited: process ended before sending a final record.
	CommExited
	// CommFailed: process ended reporting failure, or the channel
	// broke.
	CommFailed
)

var commStatusNames = map[CommStatus]string{
	CommInit:    "CommInit",
	CommNoError: "CommNoError",
	CommClosed:  "CommClosed",
	CommExited:  "CommExited",
	CommFailed:  "CommFailed",
}

func (cs CommStatus) String() string {
	if name, ok := commStatusNames[cs]; ok {
		return name
	}
	return "Unknown"
}

const (
	errorDescLen = 256
	checksumLen  = 128
)

// Record is the fixed-size status block the transfer process writes
// to its stdout: at transfer start, at least once per second while
// running, and once more when finished. All integers little-endian.
type Record struct {
	CommStatus    uint32
	Timestamp     int64
	Status        uint32
	ErrorKind     uint32
	ErrorLocation uint32
	ErrorDesc     [errorDescLen]byte
	Streams       uint32
	Transferred   uint64
	Size          uint64
	TransferTime  uint64 // nanoseconds
	Offset        uint64
	Speed         uint64
	Checksum      [checksumLen]byte
}

// RecordSize is the wire size of one Record.
var RecordSize = binary.Size(Record{})

// WriteRecord writes one status record.
func WriteRecord(w io.Writer, rec *Record) error {
	rec.Timestamp = time.Now().Unix()
	return binary.Write(w, binary.LittleEndian, rec)
}

// ReadRecord reads one status record. A clean EOF before any bytes
// returns io.EOF; a short read returns an error.
func ReadRecord(r io.Reader) (*Record, error) {
	var rec Record
	if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetErrorDesc stores desc, truncating to the wire field size.
func (rec *Record) SetErrorDesc(desc string) {
	copy(rec.ErrorDesc[:], desc)
}

// GetErrorDesc returns the error description without trailing NULs.
func (rec *Record) GetErrorDesc() string {
	return string(bytes.TrimRight(rec.ErrorDesc[:], "\x00"))
}

// SetChecksum stores sum, truncating to the wire field size.
func (rec *Record) SetChecksum(sum string) {
	copy(rec.Checksum[:], sum)
}

// GetChecksum returns the checksum without trailing NULs.
func (rec *Record) GetChecksum() string {
	return string(bytes.TrimRight(rec.Checksum[:], "\x00"))
}

// Apply copies the record's progress and error fields into the DTR.
func (rec *Record) Apply(d *dtr.DTR) {
	d.SetBytesTransferred(int64(rec.Transferred))
	if rec.Size > 0 {
		d.SetSize(int64(rec.Size))
	}
	if sum := rec.GetChecksum(); sum != "" {
		d.SetChecksum(sum)
	}
	if rec.ErrorKind != uint32(dtr.NoneError) {
		d.SetError(dtr.ErrorKind(rec.ErrorKind), dtr.ErrorLocation(rec.ErrorLocation), rec.GetErrorDesc())
	}
}

// Comm is one running transfer as seen by the delivery manager.
type Comm interface {
	// PullStatus returns the latest status record, or nil if
	// nothing new has arrived since the last call.
	PullStatus() *Record
	// CommStatus reports the channel state.
	CommStatus() CommStatus
	// Cancel asks the transfer to stop.
	Cancel() error
	// Close releases resources; the transfer is killed if still
	// running.
	Close()
}
