// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package deliveryservice serves transfer requests from remote
// schedulers. Each request is an XML document POSTed over HTTP;
// accepted transfers run as local child processes and their progress
// is reported back through DataDeliveryQuery calls.
package deliveryservice

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.gridstage.org/gridstage.git/lib/datastaging/delivery"
	"git.gridstage.org/gridstage.git/lib/datastaging/dtr"
	"git.gridstage.org/gridstage.git/lib/service"
	"git.gridstage.org/gridstage.git/sdk/go/ctxlog"
	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"git.gridstage.org/gridstage.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	resultOK           = "OK"
	resultTransferred  = "TRANSFERRED"
	resultOngoing      = "ONGOING"
	resultTransferErr  = "TRANSFER_ERROR"
	resultServiceError = "SERVICE_ERROR"
)

// request is the DTR element of an incoming XML request. Field names
// follow the wire protocol.
type request struct {
	ID                string `xml:"ID"`
	Source            string `xml:"Source"`
	Destination       string `xml:"Destination"`
	Uid               int    `xml:"Uid"`
	Gid               int    `xml:"Gid"`
	Size              int64  `xml:"Size"`
	CheckSumType      string `xml:"CheckSumType"`
	CheckSumValue     string `xml:"CheckSumValue"`
	MinCurrentSpeed   int64  `xml:"MinCurrentSpeed"`
	MinCurrentTime    int64  `xml:"MinCurrentTime"`
	MinAverageSpeed   int64  `xml:"MinAverageSpeed"`
	AverageTime       int64  `xml:"AverageTime"`
	MaxInactivityTime int64  `xml:"MaxInactivityTime"`
	Caching           bool   `xml:"Caching"`
	CredentialType    string `xml:"CredentialType"`
	Credential        string `xml:"Credential"`
}

type envelope struct {
	XMLName xml.Name
	DTR     request `xml:"DTR"`
}

type result struct {
	ID               string   `xml:"ID,omitempty"`
	ResultCode       string   `xml:"ResultCode"`
	ErrorDescription string   `xml:"ErrorDescription,omitempty"`
	ErrorStatus      uint32   `xml:"ErrorStatus,omitempty"`
	ErrorLocation    uint32   `xml:"ErrorLocation,omitempty"`
	BytesTransferred uint64   `xml:"BytesTransferred,omitempty"`
	TransferTime     uint64   `xml:"TransferTime,omitempty"`
	Size             uint64   `xml:"Size,omitempty"`
	CheckSum         string   `xml:"CheckSum,omitempty"`
	Log              string   `xml:"Log,omitempty"`
	AllowedDirs      []string `xml:"AllowedDir,omitempty"`
}

type response struct {
	XMLName xml.Name `xml:"DataDeliveryResponse"`
	Result  result   `xml:"Result"`
}

// transfer is one child process started for a remote scheduler.
type transfer struct {
	comm    delivery.Comm
	latest  *delivery.Record
	tail    *logTail
	started time.Time
}

type handler struct {
	Config *gridstage.Config

	ctx    context.Context
	logger logrus.FieldLogger
	router *httprouter.Router

	mtx       sync.Mutex
	transfers map[string]*transfer

	mRunning prometheus.Gauge

	setupOnce sync.Once
}

// NewHandler returns the delivery service API handler.
func NewHandler(ctx context.Context, cfg *gridstage.Config, reg *prometheus.Registry) service.Handler {
	h := &handler{
		Config:    cfg,
		ctx:       ctx,
		logger:    ctxlog.FromContext(ctx),
		transfers: map[string]*transfer{},
		mRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gridstage",
			Subsystem: "deliveryservice",
			Name:      "transfers_running",
			Help:      "Number of transfers running for remote schedulers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.mRunning)
	}
	return h
}

func (h *handler) CheckHealth() error    { return h.ctx.Err() }
func (h *handler) Done() <-chan struct{} { return nil }

func (h *handler) setup() {
	router := httprouter.New()
	router.POST("/", h.serveRPC)
	router.POST("/datadelivery", h.serveRPC)
	h.router = router
}

func (h *handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.setupOnce.Do(h.setup)
	h.router.ServeHTTP(w, req)
}

func (h *handler) serveRPC(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<22))
	if err != nil {
		httpserver.Error(w, "reading request: "+err.Error(), http.StatusBadRequest)
		return
	}
	var env envelope
	if err := xml.Unmarshal(body, &env); err != nil {
		httpserver.Error(w, "decoding request: "+err.Error(), http.StatusBadRequest)
		return
	}
	var res result
	switch env.XMLName.Local {
	case "DataDeliveryStart":
		res = h.start(env.DTR)
	case "DataDeliveryQuery":
		res = h.query(env.DTR)
	case "DataDeliveryCancel":
		res = h.cancel(env.DTR)
	case "DataDeliveryPing":
		res = result{ResultCode: resultOK, AllowedDirs: h.Config.Staging.AllowedDirs}
	default:
		httpserver.Error(w, "unknown request "+env.XMLName.Local, http.StatusBadRequest)
		return
	}
	res.ID = env.DTR.ID
	w.Header().Set("Content-Type", "text/xml")
	io.WriteString(w, xml.Header)
	if err := xml.NewEncoder(w).Encode(response{Result: res}); err != nil {
		h.logger.WithError(err).Error("writing response")
	}
}

// start validates the request and spawns a transfer child.
func (h *handler) start(req request) result {
	if req.ID == "" || req.Source == "" || req.Destination == "" {
		return result{ResultCode: resultServiceError, ErrorDescription: "ID, Source and Destination are required"}
	}
	if dir := h.deniedDir(req); dir != "" {
		return result{ResultCode: resultServiceError, ErrorDescription: "access to " + dir + " not allowed"}
	}
	h.mtx.Lock()
	if _, dup := h.transfers[req.ID]; dup {
		h.mtx.Unlock()
		return result{ResultCode: resultServiceError, ErrorDescription: "transfer " + req.ID + " already running"}
	}
	// Reserve the ID while the child starts.
	h.transfers[req.ID] = nil
	h.mtx.Unlock()

	tlogger, tail := h.transferLogger(req.ID)
	comm, err := delivery.Exec(delivery.ExecSpec{
		Args:          h.deliverArgs(req),
		CredType:      req.CredentialType,
		Credential:    req.Credential,
		MaxInactivity: time.Duration(req.MaxInactivityTime) * time.Second,
	}, tlogger)
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if err != nil {
		delete(h.transfers, req.ID)
		return result{ResultCode: resultServiceError, ErrorDescription: "starting transfer: " + err.Error()}
	}
	h.transfers[req.ID] = &transfer{comm: comm, tail: tail, started: time.Now()}
	h.mRunning.Set(float64(len(h.transfers)))
	tlogger.WithFields(logrus.Fields{
		"Source":      req.Source,
		"Destination": req.Destination,
	}).Info("transfer accepted")
	return result{ResultCode: resultOK}
}

// deliverArgs builds the child command line from the request.
func (h *handler) deliverArgs(req request) []string {
	args := []string{
		"deliver",
		"--surl", req.Source,
		"--durl", req.Destination,
	}
	if req.CredentialType != "" {
		args = append(args, "--sopt", "credtype="+req.CredentialType, "--dopt", "credtype="+req.CredentialType)
	}
	topt := func(k string, v int64) {
		if v > 0 {
			args = append(args, "--topt", k+"="+strconv.FormatInt(v, 10))
		}
	}
	topt("minspeed", req.MinCurrentSpeed)
	topt("minspeedtime", req.MinCurrentTime)
	topt("minavgspeed", req.MinAverageSpeed)
	topt("maxinacttime", req.MaxInactivityTime)
	topt("avgtime", req.AverageTime)
	if req.Size > 0 {
		args = append(args, "--size", strconv.FormatInt(req.Size, 10))
	}
	if req.CheckSumValue != "" {
		args = append(args, "--cstype", req.CheckSumType, "--csvalue", req.CheckSumValue)
	}
	uid, gid := req.Uid, req.Gid
	if h.Config.Staging.DeliveryUser != 0 {
		uid, gid = h.Config.Staging.DeliveryUser, h.Config.Staging.DeliveryGroup
	}
	if uid != 0 {
		args = append(args, "--uid", strconv.Itoa(uid), "--gid", strconv.Itoa(gid))
	}
	return args
}

// deniedDir returns the local path of the request that falls outside
// the configured AllowedDirs, or "" if all access is permitted.
func (h *handler) deniedDir(req request) string {
	for _, raw := range []string{req.Source, req.Destination} {
		path, local := localPath(raw)
		if !local {
			continue
		}
		allowed := false
		for _, dir := range h.Config.Staging.AllowedDirs {
			if strings.HasPrefix(path, strings.TrimSuffix(dir, "/")+"/") {
				allowed = true
				break
			}
		}
		if !allowed {
			return path
		}
	}
	return ""
}

func localPath(raw string) (string, bool) {
	if strings.HasPrefix(raw, "file://") {
		return strings.TrimPrefix(raw, "file://"), true
	}
	if strings.HasPrefix(raw, "/") {
		return raw, true
	}
	return "", false
}

// query reports the current state of a transfer. Once a final result
// has been reported the transfer is forgotten.
func (h *handler) query(req request) result {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	tr := h.transfers[req.ID]
	if tr == nil {
		return result{ResultCode: resultServiceError, ErrorDescription: "no such transfer " + req.ID}
	}
	if rec := tr.comm.PullStatus(); rec != nil {
		tr.latest = rec
	}
	status := tr.comm.CommStatus()
	if status != delivery.CommInit && status != delivery.CommNoError {
		// The final record can land between the pull above and
		// the status check, so pull once more before reporting
		// the final result.
		if rec := tr.comm.PullStatus(); rec != nil {
			tr.latest = rec
		}
	}
	res := result{ResultCode: resultOngoing}
	if tr.latest != nil {
		res.BytesTransferred = tr.latest.Transferred
		res.Size = tr.latest.Size
		res.TransferTime = tr.latest.TransferTime
		res.CheckSum = tr.latest.GetChecksum()
	}
	switch status {
	case delivery.CommInit, delivery.CommNoError:
		return res
	case delivery.CommClosed:
		if tr.latest != nil && tr.latest.ErrorKind != uint32(dtr.NoneError) {
			res.ResultCode = resultTransferErr
			res.ErrorStatus = tr.latest.ErrorKind
			res.ErrorLocation = tr.latest.ErrorLocation
			res.ErrorDescription = tr.latest.GetErrorDesc()
		} else {
			res.ResultCode = resultTransferred
		}
	default: // CommExited, CommFailed
		res.ResultCode = resultTransferErr
		res.ErrorStatus = uint32(dtr.TemporaryRemoteError)
		res.ErrorLocation = uint32(dtr.ErrorTransfer)
		res.ErrorDescription = "transfer process failed"
	}
	res.Log = tr.tail.Tail()
	tr.comm.Close()
	delete(h.transfers, req.ID)
	h.mRunning.Set(float64(len(h.transfers)))
	h.logger.WithFields(logrus.Fields{
		"DTR":      req.ID,
		"Result":   res.ResultCode,
		"Duration": time.Since(tr.started),
	}).Info("transfer finished")
	return res
}

// cancel kills a running transfer child. The final TRANSFER_ERROR
// result is reported by the next query.
func (h *handler) cancel(req request) result {
	h.mtx.Lock()
	tr := h.transfers[req.ID]
	h.mtx.Unlock()
	if tr == nil {
		return result{ResultCode: resultServiceError, ErrorDescription: "no such transfer " + req.ID}
	}
	if err := tr.comm.Cancel(); err != nil {
		return result{ResultCode: resultServiceError, ErrorDescription: "cancelling: " + err.Error()}
	}
	return result{ResultCode: resultOK}
}
