package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/policygate/internal/domain/model"
)

// ErrPolicyNotFound indicates the requested scan result policy does not exist.
var ErrPolicyNotFound = errors.New("scan result policy not found")

// PolicyStore defines the driven port for approval policy configuration. The
// evaluation services only read from it.
type PolicyStore interface {
	// ReplaceProjectPolicies atomically replaces every policy and license
	// policy of the project. licenses is keyed by the index of the owning
	// policy in policies. The returned policies carry store-assigned IDs.
	ReplaceProjectPolicies(ctx context.Context, projectID int64, policies []model.ScanResultPolicy, licenses map[int][]model.SoftwareLicensePolicy) ([]model.ScanResultPolicy, error)
	ListByProject(ctx context.Context, projectID int64) ([]model.ScanResultPolicy, error)
	Get(ctx context.Context, id int64) (*model.ScanResultPolicy, error)
	// ListLicensePolicies returns the license entries of one policy ordered by ID.
	ListLicensePolicies(ctx context.Context, projectID, policyID int64) ([]model.SoftwareLicensePolicy, error)
}
