package application

import (
	"slices"
	"sort"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/spdx"
)

// LicenseVerdict is the result of evaluating one license_finding rule.
type LicenseVerdict struct {
	Violated bool
	// Denied maps each out-of-policy license to the dependencies using it.
	Denied model.LicenseData
}

// EvaluateLicenseRule decides whether a license_finding rule is violated by
// the head pipeline's report compared with the target branch's report.
//
// In inclusion mode (MatchOnInclusionLicense) the policy entries are denied
// licenses and any checked license matching one violates the rule. Otherwise
// the entries are the allow-list and any checked license matching none of
// them violates it. Licenses match an entry when either their SPDX identifier
// or their name equals the entry, ignoring case and surrounding whitespace.
//
// Which licenses are checked depends on the rule's license states: only
// newly_detected checks licenses added by the merge request; states including
// newly_detected check every head license; detected alone checks the target
// branch. When newly_detected is set, denied licenses used by dependencies
// that the target branch does not have override the verdict.
func EvaluateLicenseRule(policy model.ScanResultPolicy, entries []model.SoftwareLicensePolicy, head, target model.LicenseReport) LicenseVerdict {
	keys := policyLicenseKeys(policy, entries)
	denied := func(l model.License) bool {
		return matchesLicense(l, keys) == policy.MatchOnInclusionLicense
	}

	var checked []model.License
	switch {
	case policy.OnlyNewlyDetected():
		checked = target.DiffWith(head).Added
	case policy.NewlyDetected():
		checked = head.Licenses
	default:
		checked = target.Licenses
	}

	verdict := LicenseVerdict{Denied: model.LicenseData{}}
	for _, l := range checked {
		if denied(l) {
			addDenied(verdict.Denied, l.DisplayName(), l.DependencyNames())
		}
	}

	if policy.NewlyDetected() {
		if introduced := newlyIntroducedDenied(head, target, denied); len(introduced) > 0 {
			verdict.Denied = introduced
		}
	}

	verdict.Violated = len(verdict.Denied) > 0
	return verdict
}

// newlyIntroducedDenied returns the denied head licenses that are used by at
// least one dependency absent from the target report, with only those new
// dependencies listed. Dependencies are compared by name.
func newlyIntroducedDenied(head, target model.LicenseReport, denied func(model.License) bool) model.LicenseData {
	existing := make(map[string]bool)
	for _, name := range target.DependencyNames() {
		existing[name] = true
	}

	introduced := model.LicenseData{}
	for _, l := range head.Licenses {
		if !denied(l) {
			continue
		}
		var fresh []string
		for _, dep := range l.DependencyNames() {
			if !existing[dep] {
				fresh = append(fresh, dep)
			}
		}
		if len(fresh) > 0 {
			addDenied(introduced, l.DisplayName(), fresh)
		}
	}
	return introduced
}

// policyLicenseKeys returns the normalised keys of the entries relevant to the
// rule's mode: denied entries for inclusion rules, allowed entries otherwise.
func policyLicenseKeys(policy model.ScanResultPolicy, entries []model.SoftwareLicensePolicy) map[string]bool {
	want := model.LicenseAllowed
	if policy.MatchOnInclusionLicense {
		want = model.LicenseDenied
	}

	keys := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.ApprovalStatus != want {
			continue
		}
		if k := spdx.Key(e.Key()); k != "" {
			keys[k] = true
		}
	}
	return keys
}

func matchesLicense(l model.License, keys map[string]bool) bool {
	if k := spdx.Key(l.ID); k != "" && keys[k] {
		return true
	}
	if k := spdx.Key(l.Name); k != "" && keys[k] {
		return true
	}
	return false
}

func addDenied(data model.LicenseData, name string, deps []string) {
	combined := append(slices.Clone(data[name]), deps...)
	sort.Strings(combined)
	combined = slices.Compact(combined)
	if combined == nil {
		combined = []string{}
	}
	data[name] = combined
}
