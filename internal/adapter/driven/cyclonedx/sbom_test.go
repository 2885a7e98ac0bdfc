package cyclonedx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/policygate/internal/domain/model"
)

const sampleBOM = `{
  "bomFormat": "CycloneDX",
  "specVersion": "1.5",
  "version": 1,
  "metadata": {
    "component": {"type": "application", "name": "acme-app", "licenses": [{"license": {"id": "Apache-2.0"}}]}
  },
  "components": [
    {
      "type": "library",
      "name": "lodash",
      "purl": "pkg:npm/lodash@4.17.21",
      "licenses": [{"license": {"id": "mit"}}]
    },
    {
      "type": "library",
      "name": "left-pad",
      "purl": "pkg:npm/left-pad@1.3.0",
      "licenses": [{"license": {"name": "MIT"}}, {"license": {"name": "Custom Corp License"}}],
      "components": [
        {"type": "library", "name": "inner", "purl": "not a purl"}
      ]
    },
    {
      "type": "library",
      "purl": "pkg:golang/github.com/acme/dual@v1.0.0",
      "licenses": [{"expression": "MIT OR Apache-2.0"}]
    },
    {
      "type": "library",
      "name": "lodash",
      "purl": "pkg:npm/lodash@4.17.21",
      "licenses": [{"license": {"id": "MIT"}}]
    }
  ]
}`

func TestDecode(t *testing.T) {
	report, err := Decode(strings.NewReader(sampleBOM), 200)
	require.NoError(t, err)

	assert.Equal(t, int64(200), report.PipelineID)
	assert.True(t, report.ResultsAvailable())
	assert.Equal(t, []model.License{
		{ID: "MIT", Dependencies: []model.Dependency{
			{Name: "lodash", PURL: "pkg:npm/lodash@4.17.21"},
			{Name: "left-pad", PURL: "pkg:npm/left-pad@1.3.0"},
		}},
		{Name: "Custom Corp License", Dependencies: []model.Dependency{
			{Name: "left-pad", PURL: "pkg:npm/left-pad@1.3.0"},
		}},
		{Name: UnknownLicense, Dependencies: []model.Dependency{
			{Name: "inner"},
		}},
		{Name: "MIT OR Apache-2.0", Dependencies: []model.Dependency{
			{Name: "dual", PURL: "pkg:golang/github.com/acme/dual@v1.0.0"},
		}},
	}, report.Licenses)
}

func TestDecode_EmptyBOM(t *testing.T) {
	report, err := Decode(strings.NewReader(`{"bomFormat":"CycloneDX","specVersion":"1.5","version":1}`), 7)
	require.NoError(t, err)
	assert.True(t, report.Available, "an SBOM without components is still a result")
	assert.Empty(t, report.Licenses)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"components": [`), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode cyclonedx bom")
}

func TestLicenseReport_NilBOM(t *testing.T) {
	report := LicenseReport(nil, 3)
	assert.Equal(t, model.LicenseReport{PipelineID: 3, Available: true}, report)
}
