// Package cyclonedx converts CycloneDX SBOMs into license scanning reports.
package cyclonedx

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/package-url/packageurl-go"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/spdx"
)

// UnknownLicense is the license name assigned to components that declare no license.
const UnknownLicense = "unknown"

// Decode reads a JSON CycloneDX BOM and converts it into the license report
// of the given pipeline.
func Decode(r io.Reader, pipelineID int64) (model.LicenseReport, error) {
	var bom cdx.BOM
	if err := cdx.NewBOMDecoder(r, cdx.BOMFileFormatJSON).Decode(&bom); err != nil {
		return model.LicenseReport{}, fmt.Errorf("decode cyclonedx bom: %w", err)
	}
	return LicenseReport(&bom, pipelineID), nil
}

// LicenseReport groups the BOM's components by license. Licenses keep the
// order in which they first appear; a component with several licenses is
// listed under each of them. The metadata component describes the scanned
// project itself and is skipped.
func LicenseReport(bom *cdx.BOM, pipelineID int64) model.LicenseReport {
	report := model.LicenseReport{PipelineID: pipelineID, Available: true}
	if bom == nil || bom.Components == nil {
		return report
	}

	index := make(map[string]int)
	seen := make(map[string]map[model.Dependency]bool)
	add := func(license model.License, dep model.Dependency) {
		key := spdx.Key(license.DisplayName())
		i, ok := index[key]
		if !ok {
			i = len(report.Licenses)
			index[key] = i
			seen[key] = make(map[model.Dependency]bool)
			report.Licenses = append(report.Licenses, license)
		}
		if seen[key][dep] {
			return
		}
		seen[key][dep] = true
		report.Licenses[i].Dependencies = append(report.Licenses[i].Dependencies, dep)
	}

	walkComponents(*bom.Components, func(c cdx.Component) {
		dep, ok := dependency(c)
		if !ok {
			return
		}
		licenses := componentLicenses(c)
		if len(licenses) == 0 {
			licenses = []model.License{{Name: UnknownLicense}}
		}
		for _, l := range licenses {
			add(l, dep)
		}
	})

	return report
}

func walkComponents(components []cdx.Component, fn func(cdx.Component)) {
	for _, c := range components {
		fn(c)
		if c.Components != nil {
			walkComponents(*c.Components, fn)
		}
	}
}

// dependency names the component after its own name, falling back to the
// package URL's name. Unparseable package URLs are dropped.
func dependency(c cdx.Component) (model.Dependency, bool) {
	dep := model.Dependency{Name: c.Name}

	if c.PackageURL != "" {
		purl, err := packageurl.FromString(c.PackageURL)
		if err != nil {
			slog.Debug("ignoring invalid package url", "component", c.Name, "purl", c.PackageURL, "error", err)
		} else {
			dep.PURL = purl.ToString()
			if dep.Name == "" {
				dep.Name = purl.Name
			}
		}
	}

	return dep, dep.Name != ""
}

// componentLicenses maps license choices to report licenses. Recognised SPDX
// identifiers are canonicalised whether they appear as id or name; anything
// else, including compound expressions, is kept as a free-text name.
func componentLicenses(c cdx.Component) []model.License {
	if c.Licenses == nil {
		return nil
	}

	var out []model.License
	for _, choice := range *c.Licenses {
		switch {
		case choice.License != nil:
			if l, ok := license(choice.License.ID, choice.License.Name); ok {
				out = append(out, l)
			}
		case strings.TrimSpace(choice.Expression) != "":
			if l, ok := license(choice.Expression, ""); ok {
				out = append(out, l)
			}
		}
	}
	return out
}

func license(id, name string) (model.License, bool) {
	for _, candidate := range []string{id, name} {
		if canonical, ok := spdx.Canonical(candidate); ok {
			return model.License{ID: canonical}, true
		}
	}
	for _, candidate := range []string{name, id} {
		if s := strings.TrimSpace(candidate); s != "" {
			return model.License{Name: s}, true
		}
	}
	return model.License{}, false
}
