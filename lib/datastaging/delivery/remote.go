// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io/ioutil"
	"net/url"
	"sync"
	"time"

	"git.gridstage.org/gridstage.git/lib/datastaging/dtr"
	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Result codes in delivery service responses.
const (
	resultOK           = "OK"
	resultTransferred  = "TRANSFERRED"
	resultOngoing      = "ONGOING"
	resultTransferErr  = "TRANSFER_ERROR"
	resultServiceError = "SERVICE_ERROR"
)

const remotePollInterval = 2 * time.Second

type dtrRequest struct {
	ID                string `xml:"ID"`
	Source            string `xml:"Source"`
	Destination       string `xml:"Destination"`
	Uid               int    `xml:"Uid"`
	Gid               int    `xml:"Gid"`
	Size              int64  `xml:"Size,omitempty"`
	CheckSumType      string `xml:"CheckSumType,omitempty"`
	CheckSumValue     string `xml:"CheckSumValue,omitempty"`
	MinCurrentSpeed   int64  `xml:"MinCurrentSpeed,omitempty"`
	MinCurrentTime    int64  `xml:"MinCurrentTime,omitempty"`
	MinAverageSpeed   int64  `xml:"MinAverageSpeed,omitempty"`
	AverageTime       int64  `xml:"AverageTime,omitempty"`
	MaxInactivityTime int64  `xml:"MaxInactivityTime,omitempty"`
	Caching           bool   `xml:"Caching"`
	CredentialType    string `xml:"CredentialType,omitempty"`
	Credential        string `xml:"Credential,omitempty"`
}

type deliveryResult struct {
	ID               string   `xml:"ID"`
	ResultCode       string   `xml:"ResultCode"`
	ErrorDescription string   `xml:"ErrorDescription"`
	ErrorStatus      uint32   `xml:"ErrorStatus"`
	ErrorLocation    uint32   `xml:"ErrorLocation"`
	BytesTransferred uint64   `xml:"BytesTransferred"`
	TransferTime     uint64   `xml:"TransferTime"`
	Size             uint64   `xml:"Size"`
	CheckSum         string   `xml:"CheckSum"`
	Log              string   `xml:"Log"`
	AllowedDirs      []string `xml:"AllowedDir"`
}

type deliveryResponse struct {
	Result deliveryResult `xml:"Result"`
}

// rpc posts one XML request to a delivery service and decodes the
// response envelope.
func rpc(ctx context.Context, client *retryablehttp.Client, svc url.URL, reqName string, body interface{}) (*deliveryResult, error) {
	payload, err := xml.Marshal(body)
	if err != nil {
		return nil, err
	}
	buf := append([]byte(xml.Header), payload...)
	req, err := retryablehttp.NewRequest("POST", svc.String(), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "text/xml")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: service returned %s", reqName, resp.Status)
	}
	var out deliveryResponse
	if err := xml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %s", reqName, err)
	}
	return &out.Result, nil
}

func newRPCClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	return client
}

// Ping asks a delivery service whether it is alive and which local
// directories it may write to.
func Ping(ctx context.Context, svc url.URL) ([]string, error) {
	type pingRequest struct {
		XMLName xml.Name `xml:"DataDeliveryPing"`
	}
	result, err := rpc(ctx, newRPCClient(), svc, "ping", pingRequest{})
	if err != nil {
		return nil, err
	}
	if result.ResultCode != resultOK {
		return nil, fmt.Errorf("ping: %s: %s", result.ResultCode, result.ErrorDescription)
	}
	return result.AllowedDirs, nil
}

// remoteComm drives one transfer running on a remote delivery
// service, polling its status over XML/HTTP.
type remoteComm struct {
	svc    url.URL
	id     string
	client *retryablehttp.Client
	logger logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mtx        sync.Mutex
	latest     *Record
	pulled     bool
	commStatus CommStatus
	failures   int
}

// startRemote submits the transfer to a remote delivery service and
// starts polling it.
func startRemote(d *dtr.DTR, cfg gridstage.StagingConfig, svc url.URL, hostCred *gridstage.Credential, logger logrus.FieldLogger) (Comm, error) {
	surl := d.Source().TransferURL().String()
	if d.MappedSource() != "" {
		surl = d.MappedSource()
	}
	durl := d.Destination().TransferURL().String()
	req := struct {
		XMLName xml.Name   `xml:"DataDeliveryStart"`
		DTR     dtrRequest `xml:"DTR"`
	}{
		DTR: dtrRequest{
			ID:                d.ID(),
			Source:            surl,
			Destination:       durl,
			Size:              d.Size(),
			MinCurrentSpeed:   cfg.MinTransferSpeed,
			MinCurrentTime:    int64(cfg.MinTransferSpeedTime.Duration().Seconds()),
			MinAverageSpeed:   cfg.MinAverageSpeed,
			AverageTime:       int64(cfg.AverageSpeedTime.Duration().Seconds()),
			MaxInactivityTime: int64(cfg.MaxInactivityTime.Duration().Seconds()),
			Caching:           d.CacheState() == dtr.CacheDownloaded,
			Uid:               cfg.DeliveryUser,
			Gid:               cfg.DeliveryGroup,
		},
	}
	if meta := d.Source().Meta(); meta.Checksum != "" {
		req.DTR.CheckSumType = meta.ChecksumType
		req.DTR.CheckSumValue = meta.Checksum
	}
	// The remote service gets the host credential when one is
	// configured, otherwise the delegated user credential.
	cred := hostCred
	if cred == nil {
		cred = d.Credential()
	}
	if cred != nil {
		if cred.Token != "" {
			req.DTR.CredentialType = "token"
			req.DTR.Credential = cred.Token
		} else {
			req.DTR.CredentialType = "x509"
			req.DTR.Credential = cred.PEM
		}
	}
	client := newRPCClient()
	ctx, cancel := context.WithCancel(context.Background())
	result, err := rpc(ctx, client, svc, "start", req)
	if err != nil {
		cancel()
		return nil, err
	}
	if result.ResultCode != resultOK {
		cancel()
		return nil, fmt.Errorf("delivery service refused transfer: %s: %s", result.ResultCode, result.ErrorDescription)
	}
	rc := &remoteComm{
		svc:        svc,
		id:         d.ID(),
		client:     client,
		logger:     logger.WithField("DeliveryService", svc.String()),
		ctx:        ctx,
		cancel:     cancel,
		commStatus: CommInit,
	}
	go rc.poll()
	return rc, nil
}

// poll queries the remote service until the transfer reaches a final
// result or querying fails repeatedly.
func (rc *remoteComm) poll() {
	ticker := time.NewTicker(remotePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rc.ctx.Done():
			return
		case <-ticker.C:
		}
		req := struct {
			XMLName xml.Name   `xml:"DataDeliveryQuery"`
			DTR     dtrRequest `xml:"DTR"`
		}{DTR: dtrRequest{ID: rc.id}}
		result, err := rpc(rc.ctx, rc.client, rc.svc, "query", req)
		rc.mtx.Lock()
		if err != nil {
			rc.failures++
			if rc.failures >= 5 {
				rc.logger.WithError(err).Error("lost contact with delivery service")
				rc.commStatus = CommFailed
				rc.mtx.Unlock()
				return
			}
			rc.mtx.Unlock()
			continue
		}
		rc.failures = 0
		rec := &Record{
			Transferred:  result.BytesTransferred,
			Size:         result.Size,
			TransferTime: result.TransferTime,
		}
		rec.SetChecksum(result.CheckSum)
		final := false
		switch result.ResultCode {
		case resultOngoing:
			rc.commStatus = CommNoError
			rec.CommStatus = uint32(CommNoError)
			rec.Status = uint32(dtr.StatusTransferring)
		case resultTransferred:
			rc.commStatus = CommClosed
			rec.CommStatus = uint32(CommClosed)
			rec.Status = uint32(dtr.StatusTransferred)
			final = true
		case resultTransferErr:
			rc.commStatus = CommClosed
			rec.CommStatus = uint32(CommClosed)
			rec.Status = uint32(dtr.StatusTransferred)
			rec.ErrorKind = result.ErrorStatus
			rec.ErrorLocation = result.ErrorLocation
			rec.SetErrorDesc(result.ErrorDescription)
			final = true
		default:
			rc.commStatus = CommFailed
			rec.ErrorKind = uint32(dtr.InternalProcessError)
			rec.SetErrorDesc("delivery service error: " + result.ErrorDescription)
			final = true
		}
		rc.latest = rec
		rc.pulled = false
		rc.mtx.Unlock()
		if final {
			if result.Log != "" {
				rc.logger.WithField("RemoteLog", result.Log).Debug("delivery service transfer log")
			}
			return
		}
	}
}

func (rc *remoteComm) PullStatus() *Record {
	rc.mtx.Lock()
	defer rc.mtx.Unlock()
	if rc.pulled {
		return nil
	}
	rc.pulled = true
	return rc.latest
}

func (rc *remoteComm) CommStatus() CommStatus {
	rc.mtx.Lock()
	defer rc.mtx.Unlock()
	return rc.commStatus
}

func (rc *remoteComm) Cancel() error {
	req := struct {
		XMLName xml.Name   `xml:"DataDeliveryCancel"`
		DTR     dtrRequest `xml:"DTR"`
	}{DTR: dtrRequest{ID: rc.id}}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := rpc(ctx, rc.client, rc.svc, "cancel", req)
	if err != nil {
		return err
	}
	if result.ResultCode != resultOK {
		return fmt.Errorf("cancel: %s: %s", result.ResultCode, result.ErrorDescription)
	}
	return nil
}

func (rc *remoteComm) Close() {
	rc.cancel()
}
