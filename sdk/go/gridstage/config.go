// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gridstage

// DefaultConfigFile is where the service config is loaded from unless
// overridden on the command line.
const DefaultConfigFile = "/etc/gridstage/config.yml"

type Config struct {
	ManagementToken string
	Listen          string
	SystemLogs      SystemLogs
	Staging         StagingConfig
}

type SystemLogs struct {
	LogLevel string
	Format   string
}

// StagingConfig controls the data-staging scheduler and its
// subsystems. Zero values are replaced by defaults at load time.
type StagingConfig struct {
	// Slot limits for the bounded task pools.
	PreProcessorSlots   int
	DeliverySlots       int
	EmergencySlots      int
	PostProcessorSlots  int
	StagedPreparedSlots int

	// Transfers smaller than RemoteSizeLimit bytes always use the
	// local delivery subprocess, even when remote delivery
	// services are configured.
	RemoteSizeLimit int64

	// DumpLocation, if set, receives a one-line-per-transfer state
	// dump at least once per second.
	DumpLocation string

	// Default number of attempts per transfer.
	Tries int

	// Credentials for authenticating to remote delivery services
	// in place of the per-transfer credential.
	HostCertificateFile string
	HostKeyFile         string

	// Uid/Gid the local delivery subprocess switches to before
	// touching local files. Zero means no switch.
	DeliveryUser  int
	DeliveryGroup int

	CacheCheckTimeout    Duration
	StagingTimeout       Duration
	TransferWaitTime     Duration
	ProcessorWaitTime    Duration
	MinTransferSpeed     int64
	MinTransferSpeedTime Duration
	MinAverageSpeed      int64
	MaxInactivityTime    Duration
	AverageSpeedTime     Duration

	// AllowedDirs are the local directory trees this host may read
	// and write on behalf of remote schedulers when it runs as a
	// delivery service.
	AllowedDirs []string

	Shares           SharesConfig
	DeliveryServices []DeliveryServiceConfig
	CacheDirs        []CacheDirConfig
}

// SharesConfig determines how transfers are grouped into shares and
// how many delivery slots each share deserves.
type SharesConfig struct {
	// ShareType is "dn", "voms:vo", "voms:role" or "voms:group".
	ShareType string
	// ReferenceShares maps share name to base priority. The
	// "_default" share applies to credentials matching no other
	// entry.
	ReferenceShares map[string]int
}

type DeliveryServiceConfig struct {
	URL string
}

type CacheDirConfig struct {
	Path     string
	Draining bool
}

// WithDefaults fills in zero values with the standard defaults and
// returns the result.
func (c StagingConfig) WithDefaults() StagingConfig {
	if c.PreProcessorSlots == 0 {
		c.PreProcessorSlots = 20
	}
	if c.DeliverySlots == 0 {
		c.DeliverySlots = 10
	}
	if c.EmergencySlots == 0 {
		c.EmergencySlots = 2
	}
	if c.PostProcessorSlots == 0 {
		c.PostProcessorSlots = 20
	}
	if c.StagedPreparedSlots == 0 {
		c.StagedPreparedSlots = 200
	}
	if c.Tries == 0 {
		c.Tries = 3
	}
	if c.CacheCheckTimeout == 0 {
		c.CacheCheckTimeout = Duration(3600e9)
	}
	if c.StagingTimeout == 0 {
		c.StagingTimeout = Duration(3600e9)
	}
	if c.TransferWaitTime == 0 {
		c.TransferWaitTime = Duration(7200e9)
	}
	if c.ProcessorWaitTime == 0 {
		c.ProcessorWaitTime = Duration(600e9)
	}
	if c.MaxInactivityTime == 0 {
		c.MaxInactivityTime = Duration(300e9)
	}
	if c.AverageSpeedTime == 0 {
		c.AverageSpeedTime = Duration(300e9)
	}
	if c.Shares.ShareType == "" {
		c.Shares.ShareType = "dn"
	}
	return c
}
