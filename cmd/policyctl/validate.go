package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/policygate/internal/policyconfig"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <policy.yml>",
		Short: "Validate a policy file",
		Long: `Validate a policy file and list the rules it compiles to.

Exits with code 0 if the file is valid, non-zero otherwise.`,
		Example: `  policyctl validate .gitlab/security-policies/policy.yml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadPolicyFile(args[0])
			if err != nil {
				return err
			}

			policies, _ := doc.Compile(0)
			out := cmd.OutOrStdout()
			for _, p := range policies {
				fmt.Fprintf(out, "%s\trule %d\t%s\tapprovals=%d\n", p.Name, p.RuleIndex, p.ReportType, p.ApprovalsRequired)
			}
			fmt.Fprintf(out, "%d rules valid\n", len(policies))
			return nil
		},
	}
}

func loadPolicyFile(path string) (*policyconfig.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	doc, err := policyconfig.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return doc, nil
}
