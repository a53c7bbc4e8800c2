// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"git.gridstage.org/gridstage.git/lib/datastaging/dtr"
	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"github.com/sirupsen/logrus"
)

// localComm runs a transfer in a child process of this host and
// reads its binary status records from the child's stdout.
type localComm struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	logger logrus.FieldLogger

	maxInactivity time.Duration

	mtx        sync.Mutex
	latest     *Record
	pulled     bool
	commStatus CommStatus
	lastComm   time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// deliverArgs builds the child's command line from the DTR.
func deliverArgs(d *dtr.DTR, cfg gridstage.StagingConfig) []string {
	surl := d.Source().TransferURL().String()
	if d.MappedSource() != "" {
		surl = d.MappedSource()
	}
	durl := d.Destination().TransferURL().String()
	if d.CacheState() == dtr.CacheDownloaded && d.CacheFile() != "" {
		// Download into the cache; PROCESS_CACHE links the file
		// into place afterwards.
		durl = "file://" + d.CacheFile()
	}
	args := []string{
		"deliver",
		"--surl", surl,
		"--durl", durl,
	}
	if cred := d.Credential(); cred != nil && cred.Token != "" {
		args = append(args, "--sopt", "credtype=token", "--dopt", "credtype=token")
	} else {
		args = append(args, "--sopt", "credtype=x509", "--dopt", "credtype=x509")
	}
	topt := func(k string, v int64) {
		if v > 0 {
			args = append(args, "--topt", k+"="+strconv.FormatInt(v, 10))
		}
	}
	topt("minspeed", cfg.MinTransferSpeed)
	topt("minspeedtime", int64(cfg.MinTransferSpeedTime.Duration().Seconds()))
	topt("minavgspeed", cfg.MinAverageSpeed)
	topt("maxinacttime", int64(cfg.MaxInactivityTime.Duration().Seconds()))
	topt("avgtime", int64(cfg.AverageSpeedTime.Duration().Seconds()))
	if size := d.Size(); size > 0 {
		args = append(args, "--size", strconv.FormatInt(size, 10))
	}
	if sum := d.Source().Meta().Checksum; sum != "" {
		args = append(args, "--cstype", d.Source().Meta().ChecksumType, "--csvalue", sum)
	}
	if cfg.DeliveryUser != 0 {
		args = append(args, "--uid", strconv.Itoa(cfg.DeliveryUser), "--gid", strconv.Itoa(cfg.DeliveryGroup))
	}
	return args
}

// ExecSpec describes a transfer child process to spawn.
type ExecSpec struct {
	// Args are the "deliver" subcommand arguments, including the
	// leading "deliver".
	Args []string
	// CredType is "token" or "x509"; the credential itself is
	// written to the child's stdin, never the command line.
	CredType      string
	Credential    string
	MaxInactivity time.Duration
}

// startLocal spawns the transfer child and starts following its
// status records.
func startLocal(d *dtr.DTR, cfg gridstage.StagingConfig, logger logrus.FieldLogger) (Comm, error) {
	spec := ExecSpec{
		Args:          deliverArgs(d, cfg),
		MaxInactivity: cfg.MaxInactivityTime.Duration(),
	}
	if cred := d.Credential(); cred != nil {
		if cred.Token != "" {
			spec.CredType, spec.Credential = "token", cred.Token
		} else if cred.PEM != "" {
			spec.CredType, spec.Credential = "x509", cred.PEM
		}
	}
	return Exec(spec, logger)
}

// Exec spawns a transfer child running this executable's "deliver"
// subcommand and returns a Comm following its status records.
func Exec(spec ExecSpec, logger logrus.FieldLogger) (Comm, error) {
	prog, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("finding own executable: %s", err)
	}
	cmd := exec.Command(prog, spec.Args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting transfer process: %s", err)
	}
	lc := &localComm{
		cmd:           cmd,
		stdout:        stdout,
		logger:        logger.WithField("PID", cmd.Process.Pid),
		maxInactivity: spec.MaxInactivity,
		commStatus:    CommInit,
		lastComm:      time.Now(),
		done:          make(chan struct{}),
	}
	go func() {
		defer stdin.Close()
		if spec.Credential != "" {
			fmt.Fprintf(stdin, "%s %s\n\n", spec.CredType, spec.Credential)
		}
	}()
	go lc.follow()
	go lc.watchdog()
	return lc, nil
}

// follow reads status records until the child closes its stdout,
// then reaps the process and classifies how it ended. Exit status 0
// means the child saw EOF on both sides and said so in a final
// record.
func (lc *localComm) follow() {
	defer close(lc.done)
	for {
		rec, err := ReadRecord(lc.stdout)
		if err != nil {
			break
		}
		lc.mtx.Lock()
		lc.latest = rec
		lc.pulled = false
		lc.lastComm = time.Now()
		if lc.commStatus == CommInit || lc.commStatus == CommNoError {
			lc.commStatus = CommStatus(rec.CommStatus)
		}
		lc.mtx.Unlock()
	}
	err := lc.cmd.Wait()
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	switch {
	case err == nil && lc.commStatus == CommClosed:
		// clean shutdown, final record already seen
	case err == nil:
		lc.commStatus = CommExited
	default:
		lc.logger.WithError(err).Info("transfer process failed")
		lc.commStatus = CommFailed
	}
}

// watchdog kills the child if it stops sending status records for
// twice the configured inactivity limit.
func (lc *localComm) watchdog() {
	if lc.maxInactivity <= 0 {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-lc.done:
			return
		case <-ticker.C:
			lc.mtx.Lock()
			silent := time.Since(lc.lastComm)
			lc.mtx.Unlock()
			if silent > 2*lc.maxInactivity {
				lc.logger.WithField("Silent", silent).Warn("no communication from transfer process, killing it")
				lc.kill()
				return
			}
		}
	}
}

// kill stops the child, first politely, then with SIGKILL.
func (lc *localComm) kill() {
	if lc.cmd.Process == nil {
		return
	}
	lc.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-lc.done:
		return
	case <-time.After(5 * time.Second):
	}
	lc.cmd.Process.Kill()
}

func (lc *localComm) PullStatus() *Record {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	if lc.pulled {
		return nil
	}
	lc.pulled = true
	return lc.latest
}

func (lc *localComm) CommStatus() CommStatus {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	return lc.commStatus
}

func (lc *localComm) Cancel() error {
	lc.kill()
	return nil
}

func (lc *localComm) Close() {
	lc.closeOnce.Do(func() {
		select {
		case <-lc.done:
		default:
			lc.kill()
		}
		lc.stdout.Close()
	})
}
