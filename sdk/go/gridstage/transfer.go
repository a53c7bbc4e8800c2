// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gridstage

import "time"

// Transfer is the management API's view of one data transfer request.
type Transfer struct {
	ID               string    `json:"id"`
	Source           string    `json:"source"`
	Destination      string    `json:"destination"`
	State            string    `json:"state"`
	TransferShare    string    `json:"transfer_share"`
	Priority         int       `json:"priority"`
	BytesTransferred int64     `json:"bytes_transferred"`
	Size             int64     `json:"size,omitempty"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	DeliveryService  string    `json:"delivery_service,omitempty"`
}

// TransferList is the response body for transfer list requests.
type TransferList struct {
	Items []Transfer `json:"items"`
}

// TransferRequest is the management API's request body for submitting
// a new transfer.
type TransferRequest struct {
	Source      string     `json:"source"`
	Destination string     `json:"destination"`
	JobID       string     `json:"job_id,omitempty"`
	Priority    int        `json:"priority,omitempty"`
	SubShare    string     `json:"sub_share,omitempty"`
	Credential  Credential `json:"credential"`
}
