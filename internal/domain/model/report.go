package model

import (
	"slices"
	"sort"
)

// Dependency is a package that declares a license.
type Dependency struct {
	Name string
	PURL string
}

// License is a license found by a license scan together with the dependencies
// that use it. ID is the SPDX identifier when the scanner recognised one.
type License struct {
	ID           string
	Name         string
	Dependencies []Dependency
}

// DisplayName returns Name, falling back to ID.
func (l License) DisplayName() string {
	if l.Name != "" {
		return l.Name
	}
	return l.ID
}

// DependencyNames returns the sorted unique dependency names of the license.
func (l License) DependencyNames() []string {
	names := make([]string, 0, len(l.Dependencies))
	for _, d := range l.Dependencies {
		names = append(names, d.Name)
	}
	return sortedUnique(names)
}

// LicenseReport is the license scanning report of one pipeline. A report with
// Available == false means the pipeline produced no license results.
type LicenseReport struct {
	PipelineID int64
	Available  bool
	Licenses   []License
}

// LicenseDiff is the result of LicenseReport.DiffWith.
type LicenseDiff struct {
	Added   []License
	Removed []License
}

// ResultsAvailable reports whether the scanner produced results.
func (r LicenseReport) ResultsAvailable() bool {
	return r.Available
}

// LicenseNames returns the sorted unique display names of all licenses.
func (r LicenseReport) LicenseNames() []string {
	names := make([]string, 0, len(r.Licenses))
	for _, l := range r.Licenses {
		names = append(names, l.DisplayName())
	}
	return sortedUnique(names)
}

// LicenseIDs returns the sorted unique SPDX identifiers of all licenses that have one.
func (r LicenseReport) LicenseIDs() []string {
	ids := make([]string, 0, len(r.Licenses))
	for _, l := range r.Licenses {
		if l.ID != "" {
			ids = append(ids, l.ID)
		}
	}
	return sortedUnique(ids)
}

// DependencyNames returns the sorted unique names of every dependency in the report.
func (r LicenseReport) DependencyNames() []string {
	var names []string
	for _, l := range r.Licenses {
		for _, d := range l.Dependencies {
			names = append(names, d.Name)
		}
	}
	return sortedUnique(names)
}

// FindLicense returns the license with the given display name.
func (r LicenseReport) FindLicense(name string) (License, bool) {
	for _, l := range r.Licenses {
		if l.DisplayName() == name {
			return l, true
		}
	}
	return License{}, false
}

// DiffWith compares r (the base) with other (the head). Added holds licenses
// present in other but not in r; Removed holds the reverse. Licenses are keyed
// by display name.
func (r LicenseReport) DiffWith(other LicenseReport) LicenseDiff {
	base := make(map[string]bool, len(r.Licenses))
	for _, l := range r.Licenses {
		base[l.DisplayName()] = true
	}
	head := make(map[string]bool, len(other.Licenses))
	for _, l := range other.Licenses {
		head[l.DisplayName()] = true
	}

	var diff LicenseDiff
	for _, l := range other.Licenses {
		if !base[l.DisplayName()] {
			diff.Added = append(diff.Added, l)
		}
	}
	for _, l := range r.Licenses {
		if !head[l.DisplayName()] {
			diff.Removed = append(diff.Removed, l)
		}
	}
	return diff
}

func sortedUnique(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	out := slices.Clone(values)
	sort.Strings(out)
	return slices.Compact(out)
}
