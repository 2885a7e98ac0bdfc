package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/policygate/internal/adapter/driven/cyclonedx"
	"github.com/ericfisherdev/policygate/internal/application"
	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/policyconfig"
)

var errViolations = errors.New("license policies violated")

type licensesOptions struct {
	policyFile   string
	basePath     string
	headPath     string
	targetBranch string
	comment      bool
	failOnError  bool
}

func newLicensesCommand() *cobra.Command {
	var opts licensesOptions

	cmd := &cobra.Command{
		Use:   "licenses",
		Short: "Evaluate license policies against a pair of SBOMs",
		Long: `Evaluate the license_finding rules of a policy file offline.

The head SBOM stands for the merge request pipeline and the base SBOM for the
target branch. Without --base the target branch is treated as having no
dependencies.`,
		Example: `  policyctl licenses --policy policy.yml --base main.cdx.json --head mr.cdx.json
  policyctl licenses --policy policy.yml --head mr.cdx.json --comment`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := loadPolicyFile(opts.policyFile)
			if err != nil {
				return err
			}
			head, err := loadSBOM(opts.headPath)
			if err != nil {
				return err
			}
			base := model.LicenseReport{Available: true}
			if opts.basePath != "" {
				if base, err = loadSBOM(opts.basePath); err != nil {
					return err
				}
			}

			details := evaluateLicenses(doc, opts.targetBranch, head, base)
			printLicenseDetails(cmd.OutOrStdout(), details, opts.comment)

			if opts.failOnError && details.Blocking() {
				return errViolations
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.policyFile, "policy", "", "policy file (required)")
	cmd.Flags().StringVar(&opts.headPath, "head", "", "CycloneDX SBOM of the merge request pipeline (required)")
	cmd.Flags().StringVar(&opts.basePath, "base", "", "CycloneDX SBOM of the target branch")
	cmd.Flags().StringVar(&opts.targetBranch, "branch", "main", "target branch of the merge request")
	cmd.Flags().BoolVar(&opts.comment, "comment", false, "print the bot note instead of a summary")
	cmd.Flags().BoolVar(&opts.failOnError, "fail", false, "exit non-zero when a blocking policy is violated")
	_ = cmd.MarkFlagRequired("policy")
	_ = cmd.MarkFlagRequired("head")

	return cmd
}

func loadSBOM(path string) (model.LicenseReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.LicenseReport{}, fmt.Errorf("open sbom: %w", err)
	}
	defer f.Close()

	report, err := cyclonedx.Decode(f, 0)
	if err != nil {
		return model.LicenseReport{}, fmt.Errorf("%s: %w", path, err)
	}
	return report, nil
}

// evaluateLicenses runs every license_finding rule that applies to the target
// branch and collects the violated ones.
func evaluateLicenses(doc *policyconfig.Document, targetBranch string, head, base model.LicenseReport) application.PolicyViolationDetails {
	policies, licenses := doc.Compile(0)

	var entries []application.ViolationEntry
	for i, p := range policies {
		if p.ReportType != model.ReportTypeLicenseScanning || !p.AppliesToBranch(targetBranch) {
			continue
		}
		p.ID = int64(i + 1)

		verdict := application.EvaluateLicenseRule(p, licenses[i], head, base)
		if !verdict.Violated {
			continue
		}
		entries = append(entries, application.ViolationEntry{
			PolicyID:   p.ID,
			PolicyName: p.Name,
			ReportType: p.ReportType,
			Data:       verdict.Denied,
			Blocking:   p.Blocking(),
		})
	}

	return application.PolicyViolationDetails{
		Violations: entries,
		Licenses:   application.LicenseViolations(entries),
	}
}

func printLicenseDetails(w io.Writer, details application.PolicyViolationDetails, comment bool) {
	if comment {
		fmt.Fprint(w, application.RenderComment(details))
		return
	}

	if len(details.Violations) == 0 {
		fmt.Fprintln(w, "no license policy violated")
		return
	}
	for _, v := range details.Violations {
		verdict := "warn"
		if v.Blocking {
			verdict = "block"
		}
		fmt.Fprintf(w, "%s\t%s\n", verdict, v.PolicyName)
	}
	fmt.Fprintln(w)
	for _, l := range details.Licenses {
		fmt.Fprintf(w, "%s: %s\n", l.License, strings.Join(l.Dependencies, ", "))
	}
}
