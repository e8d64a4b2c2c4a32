// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cumulus holds the data types shared by the cumulus job
// orchestrator components: jobs and their status, capacity classes
// ("flavors"), worker descriptors, and the cluster configuration.
package cumulus
