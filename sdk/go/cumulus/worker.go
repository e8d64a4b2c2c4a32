// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cumulus

// WorkerDescriptor is written to a job directory when provisioning
// finishes. Exactly one of Error or the other fields is set.
type WorkerDescriptor struct {
	Name       string `json:"name,omitempty"`
	Address    string `json:"address,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	CPU        int    `json:"cpu,omitempty"`
	RAM        int    `json:"ram,omitempty"`
	Volume     string `json:"volume,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Failed returns true if provisioning failed.
func (wd WorkerDescriptor) Failed() bool {
	return wd.Error != ""
}
