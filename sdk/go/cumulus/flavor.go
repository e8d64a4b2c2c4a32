// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cumulus

// Flavor is a named capacity class. RAM is in GB.
type Flavor struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
	CPU    int    `json:"cpu"`
	RAM    int    `json:"ram"`

	// Cloud provider's instance type. Defaults to Name.
	ProviderType string `json:"provider_type,omitempty"`
}

// InstanceType returns the provider instance type to use for this
// flavor.
func (f Flavor) InstanceType() string {
	if f.ProviderType != "" {
		return f.ProviderType
	}
	return f.Name
}

// FlavorTable is the set of capacity classes plus the global
// cumulative weight budget.
type FlavorTable struct {
	Flavors   []Flavor `json:"flavors"`
	MaxWeight int      `json:"max_weight"`
}

// Lookup returns the flavor with the given name.
func (ft FlavorTable) Lookup(name string) (Flavor, bool) {
	for _, f := range ft.Flavors {
		if f.Name == name {
			return f, true
		}
	}
	return Flavor{}, false
}

// Smallest returns the flavor with the lowest weight. Ties go to the
// first one listed.
func (ft FlavorTable) Smallest() (Flavor, bool) {
	return ft.best(func(a, b Flavor) bool { return a.Weight < b.Weight })
}

// MostCPU returns the flavor with the most CPUs.
func (ft FlavorTable) MostCPU() (Flavor, bool) {
	return ft.best(func(a, b Flavor) bool { return a.CPU > b.CPU })
}

// MostRAM returns the flavor with the most RAM.
func (ft FlavorTable) MostRAM() (Flavor, bool) {
	return ft.best(func(a, b Flavor) bool { return a.RAM > b.RAM })
}

func (ft FlavorTable) best(better func(a, b Flavor) bool) (Flavor, bool) {
	if len(ft.Flavors) == 0 {
		return Flavor{}, false
	}
	best := ft.Flavors[0]
	for _, f := range ft.Flavors[1:] {
		if better(f, best) {
			best = f
		}
	}
	return best, true
}
