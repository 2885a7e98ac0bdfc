package application_test

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/ericfisherdev/policygate/internal/application"
	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// --- In-memory port implementations ---

type fakeMergeRequests struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]model.MergeRequest
}

func (f *fakeMergeRequests) Upsert(_ context.Context, mr model.MergeRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, existing := range f.byID {
		if existing.ProjectID == mr.ProjectID && existing.IID == mr.IID {
			mr.ID = id
			f.byID[id] = mr
			return id, nil
		}
	}
	f.nextID++
	mr.ID = f.nextID
	f.byID[mr.ID] = mr
	return mr.ID, nil
}

func (f *fakeMergeRequests) Get(_ context.Context, id int64) (*model.MergeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mr, ok := f.byID[id]
	if !ok {
		return nil, driven.ErrMergeRequestNotFound
	}
	return &mr, nil
}

func (f *fakeMergeRequests) GetByIID(_ context.Context, projectID int64, iid int) (*model.MergeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, mr := range f.byID {
		if mr.ProjectID == projectID && mr.IID == iid {
			return &mr, nil
		}
	}
	return nil, driven.ErrMergeRequestNotFound
}

func (f *fakeMergeRequests) list(keep func(model.MergeRequest) bool) []model.MergeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.MergeRequest
	for _, mr := range f.byID {
		if keep(mr) {
			out = append(out, mr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeMergeRequests) ListOpenByHeadPipeline(_ context.Context, pipelineID int64) ([]model.MergeRequest, error) {
	return f.list(func(mr model.MergeRequest) bool { return mr.Open() && mr.HeadPipelineID == pipelineID }), nil
}

func (f *fakeMergeRequests) ListOpenByProject(_ context.Context, projectID int64) ([]model.MergeRequest, error) {
	return f.list(func(mr model.MergeRequest) bool { return mr.Open() && mr.ProjectID == projectID }), nil
}

func (f *fakeMergeRequests) ListOpen(_ context.Context) ([]model.MergeRequest, error) {
	return f.list(func(mr model.MergeRequest) bool { return mr.Open() }), nil
}

func (f *fakeMergeRequests) SetState(_ context.Context, id int64, state model.MergeRequestState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	mr, ok := f.byID[id]
	if !ok {
		return driven.ErrMergeRequestNotFound
	}
	mr.State = state
	f.byID[id] = mr
	return nil
}

type fakePipelines struct {
	byID map[int64]model.Pipeline
}

func (f *fakePipelines) Upsert(_ context.Context, p model.Pipeline) error {
	f.byID[p.ID] = p
	return nil
}

func (f *fakePipelines) Get(_ context.Context, id int64) (*model.Pipeline, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, driven.ErrPipelineNotFound
	}
	return &p, nil
}

func (f *fakePipelines) ListRelated(_ context.Context, mr model.MergeRequest, sources []model.PipelineSource) ([]model.Pipeline, error) {
	head, ok := f.byID[mr.HeadPipelineID]
	if !ok {
		return nil, nil
	}
	var out []model.Pipeline
	for _, p := range f.byID {
		if p.ProjectID == head.ProjectID && p.SHA == head.SHA && slices.Contains(sources, p.Source) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakePipelines) LatestForRef(_ context.Context, projectID int64, ref string) (*model.Pipeline, error) {
	var latest *model.Pipeline
	for _, p := range f.byID {
		if p.ProjectID != projectID || p.Ref != ref || p.MergeRequestID != 0 {
			continue
		}
		if latest == nil || p.ID > latest.ID {
			p := p
			latest = &p
		}
	}
	return latest, nil
}

type fakeReports struct {
	mu      sync.Mutex
	reports map[int64]model.LicenseReport
}

func (f *fakeReports) SaveLicenseReport(_ context.Context, report model.LicenseReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	report.Available = true
	f.reports[report.PipelineID] = report
	return nil
}

func (f *fakeReports) LicenseReport(_ context.Context, pipelineID int64) (model.LicenseReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reports[pipelineID]
	if !ok {
		return model.LicenseReport{PipelineID: pipelineID}, nil
	}
	return r, nil
}

type fakePolicies struct {
	mu       sync.Mutex
	nextID   int64
	policies map[int64]model.ScanResultPolicy
	licenses map[int64][]model.SoftwareLicensePolicy
}

func (f *fakePolicies) add(p model.ScanResultPolicy, entries []model.SoftwareLicensePolicy) model.ScanResultPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	p.ID = f.nextID
	f.policies[p.ID] = p
	for i := range entries {
		entries[i].ScanResultPolicyID = p.ID
		entries[i].ProjectID = p.ProjectID
	}
	f.licenses[p.ID] = entries
	return p
}

func (f *fakePolicies) ReplaceProjectPolicies(_ context.Context, projectID int64, policies []model.ScanResultPolicy, licenses map[int][]model.SoftwareLicensePolicy) ([]model.ScanResultPolicy, error) {
	f.mu.Lock()
	for id, p := range f.policies {
		if p.ProjectID == projectID {
			delete(f.policies, id)
			delete(f.licenses, id)
		}
	}
	f.mu.Unlock()

	out := make([]model.ScanResultPolicy, 0, len(policies))
	for i, p := range policies {
		out = append(out, f.add(p, licenses[i]))
	}
	return out, nil
}

func (f *fakePolicies) ListByProject(_ context.Context, projectID int64) ([]model.ScanResultPolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ScanResultPolicy
	for _, p := range f.policies {
		if p.ProjectID == projectID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakePolicies) Get(_ context.Context, id int64) (*model.ScanResultPolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[id]
	if !ok {
		return nil, driven.ErrPolicyNotFound
	}
	return &p, nil
}

func (f *fakePolicies) ListLicensePolicies(_ context.Context, _, policyID int64) ([]model.SoftwareLicensePolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.licenses[policyID]), nil
}

type fakeRules struct {
	mu       sync.Mutex
	nextID   int64
	rules    map[int64]model.ApprovalRule
	policies *fakePolicies
}

func (f *fakeRules) ListByMergeRequest(_ context.Context, mergeRequestID int64) ([]model.ApprovalRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ApprovalRule
	for _, r := range f.rules {
		if r.MergeRequestID != mergeRequestID {
			continue
		}
		if p, err := f.policies.Get(context.Background(), r.PolicyID); err == nil {
			r.Policy = *p
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRules) SyncForMergeRequest(_ context.Context, mergeRequestID int64, policies []model.ScanResultPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	keep := make(map[int64]bool, len(policies))
	for _, p := range policies {
		keep[p.ID] = true
	}
	existing := make(map[int64]bool)
	for id, r := range f.rules {
		if r.MergeRequestID != mergeRequestID {
			continue
		}
		if !keep[r.PolicyID] {
			delete(f.rules, id)
			continue
		}
		existing[r.PolicyID] = true
	}
	for _, p := range policies {
		if existing[p.ID] {
			continue
		}
		f.nextID++
		f.rules[f.nextID] = model.ApprovalRule{
			ID:                f.nextID,
			MergeRequestID:    mergeRequestID,
			PolicyID:          p.ID,
			Name:              p.Name,
			ReportType:        p.ReportType,
			ApprovalsRequired: p.ApprovalsRequired,
		}
	}
	return nil
}

func (f *fakeRules) approvals(ruleID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules[ruleID].ApprovalsRequired
}

func (f *fakeRules) setApprovals(ruleID int64, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rules[ruleID]
	r.ApprovalsRequired = n
	f.rules[ruleID] = r
}

type violationKey struct {
	mr, policy int64
}

type fakeViolations struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[violationKey]model.Violation
	rules   *fakeRules
	commits int
	failErr error
}

func (f *fakeViolations) Commit(_ context.Context, batch model.ViolationBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.commits++
	for _, v := range batch.Upserts {
		key := violationKey{mr: batch.MergeRequestID, policy: v.PolicyID}
		if existing, ok := f.rows[key]; ok {
			v.ID = existing.ID
		} else {
			f.nextID++
			v.ID = f.nextID
		}
		f.rows[key] = v
	}
	for _, id := range batch.ClearedPolicyIDs {
		delete(f.rows, violationKey{mr: batch.MergeRequestID, policy: id})
	}
	for _, u := range batch.RuleUpdates {
		f.rules.setApprovals(u.RuleID, u.ApprovalsRequired)
	}
	return nil
}

func (f *fakeViolations) ListByMergeRequest(_ context.Context, mergeRequestID int64) ([]model.Violation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Violation
	for key, v := range f.rows {
		if key.mr == mergeRequestID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out, nil
}

func (f *fakeViolations) DeleteByMergeRequest(_ context.Context, mergeRequestID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.rows {
		if key.mr == mergeRequestID {
			delete(f.rows, key)
		}
	}
	return nil
}

func (f *fakeViolations) get(mr, policy int64) (model.Violation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.rows[violationKey{mr: mr, policy: policy}]
	return v, ok
}

func (f *fakeViolations) count(mr int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for key := range f.rows {
		if key.mr == mr {
			n++
		}
	}
	return n
}

type fakeFindings struct {
	pipeline map[int64][]model.Finding
	vulns    map[int64][]model.Finding
}

func (f *fakeFindings) ReplacePipelineFindings(_ context.Context, pipelineID int64, findings []model.Finding) error {
	f.pipeline[pipelineID] = findings
	return nil
}

func (f *fakeFindings) UpsertVulnerabilities(_ context.Context, projectID int64, findings []model.Finding) error {
	f.vulns[projectID] = append(f.vulns[projectID], findings...)
	return nil
}

func (f *fakeFindings) ListPipelineFindings(_ context.Context, pipelineID int64) ([]model.Finding, error) {
	return f.pipeline[pipelineID], nil
}

func (f *fakeFindings) ListVulnerabilities(_ context.Context, projectID int64) ([]model.Finding, error) {
	return f.vulns[projectID], nil
}

func (f *fakeFindings) SecurityFindingsByUUIDs(_ context.Context, pipelineIDs []int64, uuids []string) ([]model.Finding, error) {
	var out []model.Finding
	for _, id := range pipelineIDs {
		for _, finding := range f.pipeline[id] {
			if slices.Contains(uuids, finding.UUID) {
				out = append(out, finding)
			}
		}
	}
	return out, nil
}

func (f *fakeFindings) VulnerabilityFindingsByUUIDs(_ context.Context, projectID int64, uuids []string) ([]model.Finding, error) {
	var out []model.Finding
	for _, finding := range f.vulns[projectID] {
		if slices.Contains(uuids, finding.UUID) {
			out = append(out, finding)
		}
	}
	return out, nil
}

type fakeNotes struct {
	mu     sync.Mutex
	bodies map[int64]string
	writes int
	err    error
}

func (f *fakeNotes) UpsertBotNote(_ context.Context, mr model.MergeRequest, body string, opts driven.UpsertOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.bodies[mr.ID]; !ok && opts.OnlyUpdate {
		return nil
	}
	f.writes++
	f.bodies[mr.ID] = body
	return nil
}

func (f *fakeNotes) body(mrID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[mrID]
}

type fakeAudit struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (f *fakeAudit) Record(_ context.Context, event model.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

// --- Test fixture wiring every fake together ---

type world struct {
	mrs        *fakeMergeRequests
	pipelines  *fakePipelines
	reports    *fakeReports
	policies   *fakePolicies
	rules      *fakeRules
	violations *fakeViolations
	findings   *fakeFindings
	notes      *fakeNotes
	audit      *fakeAudit
	details    *application.ViolationDetailsService
	comments   *application.CommentGenerator
}

func newWorld() *world {
	w := &world{
		mrs:       &fakeMergeRequests{byID: map[int64]model.MergeRequest{}},
		pipelines: &fakePipelines{byID: map[int64]model.Pipeline{}},
		reports:   &fakeReports{reports: map[int64]model.LicenseReport{}},
		policies:  &fakePolicies{policies: map[int64]model.ScanResultPolicy{}, licenses: map[int64][]model.SoftwareLicensePolicy{}},
		findings:  &fakeFindings{pipeline: map[int64][]model.Finding{}, vulns: map[int64][]model.Finding{}},
		notes:     &fakeNotes{bodies: map[int64]string{}},
		audit:     &fakeAudit{},
	}
	w.rules = &fakeRules{rules: map[int64]model.ApprovalRule{}, policies: w.policies}
	w.violations = &fakeViolations{rows: map[violationKey]model.Violation{}, rules: w.rules}
	w.details = application.NewViolationDetailsService(w.violations, w.policies, w.findings)
	w.comments = application.NewCommentGenerator(w.details, w.rules, w.notes, nil)
	return w
}

func (w *world) addPolicy(p model.ScanResultPolicy, entries ...model.SoftwareLicensePolicy) model.ScanResultPolicy {
	if p.ProjectID == 0 {
		p.ProjectID = 1
	}
	return w.policies.add(p, entries)
}

// addMergeRequest stores an open merge request and gives it one approval rule
// per policy of its project.
func (w *world) addMergeRequest(mr model.MergeRequest) model.MergeRequest {
	ctx := context.Background()
	if mr.ProjectID == 0 {
		mr.ProjectID = 1
	}
	if mr.State == "" {
		mr.State = model.MergeRequestOpen
	}
	if mr.TargetBranch == "" {
		mr.TargetBranch = "main"
	}
	if mr.ProjectPath == "" {
		mr.ProjectPath = "acme/app"
	}
	id, err := w.mrs.Upsert(ctx, mr)
	if err != nil {
		panic(err)
	}
	mr.ID = id

	policies, _ := w.policies.ListByProject(ctx, mr.ProjectID)
	if err := w.rules.SyncForMergeRequest(ctx, mr.ID, policies); err != nil {
		panic(err)
	}
	return mr
}

func (w *world) ruleFor(mrID, policyID int64) model.ApprovalRule {
	rules, _ := w.rules.ListByMergeRequest(context.Background(), mrID)
	for _, r := range rules {
		if r.PolicyID == policyID {
			return r
		}
	}
	panic("no rule for policy")
}

func (w *world) addPipeline(p model.Pipeline) model.Pipeline {
	if p.ProjectID == 0 {
		p.ProjectID = 1
	}
	if p.Source == "" {
		p.Source = model.PipelineSourcePush
	}
	w.pipelines.byID[p.ID] = p
	return p
}

func (w *world) licenseEvaluator() *application.LicenseComplianceEvaluator {
	return application.NewLicenseComplianceEvaluator(w.pipelines, w.reports, w.policies, w.rules, w.violations, w.audit, w.comments, nil)
}

func (w *world) scanFindingEvaluator() *application.ScanFindingEvaluator {
	return application.NewScanFindingEvaluator(w.pipelines, w.findings, w.rules, w.violations, w.audit, w.comments, nil)
}

func (w *world) anyMergeRequestEvaluator() *application.AnyMergeRequestEvaluator {
	return application.NewAnyMergeRequestEvaluator(w.rules, w.violations, w.audit, w.comments, nil)
}

func (w *world) unenforceableHandler(fallbackEnabled bool) *application.UnenforceableRulesHandler {
	return application.NewUnenforceableRulesHandler(w.pipelines, w.rules, w.violations, w.audit, w.comments, nil, fallbackEnabled)
}

var errCommitFailed = errors.New("commit failed")
