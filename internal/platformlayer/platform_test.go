package platformlayer

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/geocore/coremachine/internal/coreerr"
	"github.com/geocore/coremachine/internal/logger"
	"github.com/geocore/coremachine/internal/types"
)

type fakeSubmitter struct {
	submits int
	dup     bool
	err     error
}

func (s *fakeSubmitter) Submit(ctx context.Context, jobType string, params map[string]any) (*types.Job, bool, error) {
	s.submits++
	if s.err != nil {
		return nil, false, s.err
	}
	jobID, err := types.DeriveJobID(jobType, params)
	if err != nil {
		return nil, false, err
	}
	return &types.Job{JobID: jobID, JobType: jobType, Status: types.JobQueued, Stage: 1}, s.dup, nil
}

type fakeJobLookup struct{ jobs map[string]*types.Job }

func (r *fakeJobLookup) CreateIfAbsent(ctx context.Context, tx *gorm.DB, job *types.Job) (bool, error) {
	return false, errors.New("not used")
}

func (r *fakeJobLookup) GetByID(ctx context.Context, tx *gorm.DB, jobID string) (*types.Job, error) {
	return r.jobs[jobID], nil
}

func (r *fakeJobLookup) List(ctx context.Context, tx *gorm.DB, jobType, status string, limit, offset int) ([]*types.Job, error) {
	return nil, nil
}

func (r *fakeJobLookup) UpdateFields(ctx context.Context, tx *gorm.DB, jobID string, updates map[string]interface{}) error {
	return nil
}

func (r *fakeJobLookup) UpdateStatusIf(ctx context.Context, tx *gorm.DB, jobID string, from, to types.JobStatus, extra map[string]interface{}) (bool, error) {
	return false, nil
}

type fakeLineageRepo struct {
	records []*types.LineageRecord
}

func (r *fakeLineageRepo) CreateIfAbsent(ctx context.Context, tx *gorm.DB, rec *types.LineageRecord) (bool, error) {
	for _, existing := range r.records {
		if existing.LineageID == rec.LineageID && existing.VersionID == rec.VersionID {
			return false, nil
		}
	}
	r.records = append(r.records, rec)
	return true, nil
}

func (r *fakeLineageRepo) GetVersion(ctx context.Context, tx *gorm.DB, lineageID, versionID string) (*types.LineageRecord, error) {
	for _, rec := range r.records {
		if rec.LineageID == lineageID && rec.VersionID == versionID {
			return rec, nil
		}
	}
	return nil, nil
}

func (r *fakeLineageRepo) ListByLineage(ctx context.Context, tx *gorm.DB, lineageID string) ([]*types.LineageRecord, error) {
	var out []*types.LineageRecord
	for _, rec := range r.records {
		if rec.LineageID == lineageID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeBlobStore struct{ present map[string]bool }

func (s *fakeBlobStore) Read(ctx context.Context, path string) ([]byte, error)  { return nil, nil }
func (s *fakeBlobStore) Write(ctx context.Context, path string, b []byte) error { return nil }
func (s *fakeBlobStore) Exists(ctx context.Context, path string) (bool, error) {
	return s.present[path], nil
}
func (s *fakeBlobStore) SignedURL(path string, ttl time.Duration) (string, error) { return "", nil }

type fakeTables struct{ tables map[string]bool }

func (t *fakeTables) HasTable(ctx context.Context, name string) (bool, error) {
	return t.tables[name], nil
}

func newTestLayer(t *testing.T) (*Layer, *fakeSubmitter, *fakeLineageRepo, *fakeJobLookup, *fakeBlobStore, *fakeTables) {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	sub := &fakeSubmitter{}
	lin := &fakeLineageRepo{}
	jobs := &fakeJobLookup{jobs: map[string]*types.Job{}}
	blobs := &fakeBlobStore{present: map[string]bool{}}
	tables := &fakeTables{tables: map[string]bool{}}
	return NewLayer(log, sub, jobs, lin, blobs, tables), sub, lin, jobs, blobs, tables
}

func validRequest() *ExternalRequest {
	return &ExternalRequest{
		JobType:    "vector_ingest",
		PlatformID: "p1",
		DatasetID:  "d1",
		ResourceID: "r1",
		VersionID:  "v1",
		Parameters: map[string]any{"srid": 4326},
	}
}

func TestSubmitRecordsLineage(t *testing.T) {
	layer, sub, lin, _, _, _ := newTestLayer(t)

	res, err := layer.Submit(context.Background(), validRequest(), false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.submits != 1 {
		t.Fatalf("want one machine submit, got %d", sub.submits)
	}
	if res.AlreadyExists {
		t.Fatalf("fresh submit flagged duplicate")
	}
	if len(lin.records) != 1 {
		t.Fatalf("want one lineage record, got %d", len(lin.records))
	}
	rec := lin.records[0]
	if rec.LineageID != res.LineageID || rec.VersionID != "v1" || rec.JobID != res.JobID {
		t.Fatalf("lineage record fields: %+v vs result %+v", rec, res)
	}
	want := []string{"schema", "blobs", "target_table", "lineage"}
	if len(res.ChecksPassed) != len(want) {
		t.Fatalf("checks passed: %v", res.ChecksPassed)
	}
	for i, c := range want {
		if res.ChecksPassed[i] != c {
			t.Fatalf("check order: got %v, want %v", res.ChecksPassed, want)
		}
	}
}

func TestSubmitDifferentVersionsShareLineageNotJobID(t *testing.T) {
	layer, _, _, _, _, _ := newTestLayer(t)
	ctx := context.Background()

	res1, err := layer.Submit(ctx, validRequest(), false)
	if err != nil {
		t.Fatalf("v1 submit: %v", err)
	}
	req2 := validRequest()
	req2.VersionID = "v2"
	req2.PreviousVersionID = "v1"
	res2, err := layer.Submit(ctx, req2, false)
	if err != nil {
		t.Fatalf("v2 submit: %v", err)
	}
	if res1.LineageID != res2.LineageID {
		t.Fatalf("versions of one resource must share a lineage: %s vs %s", res1.LineageID, res2.LineageID)
	}
	if res1.JobID == res2.JobID {
		t.Fatalf("different versions must derive different job ids")
	}
}

func TestSubmitRejectsUnknownPreviousVersion(t *testing.T) {
	layer, sub, lin, _, _, _ := newTestLayer(t)

	req := validRequest()
	req.PreviousVersionID = "v0"
	_, err := layer.Submit(context.Background(), req, false)
	if err == nil {
		t.Fatalf("expected lineage validation failure")
	}
	if coreerr.KindOf(err) != coreerr.KindInvalidParams {
		t.Fatalf("error_kind: want invalid_params, got %s", coreerr.KindOf(err))
	}
	if sub.submits != 0 {
		t.Fatalf("validation failure must not reach the machine")
	}
	if len(lin.records) != 0 {
		t.Fatalf("validation failure must not write lineage records")
	}
}

func TestSubmitRejectsPreviousVersionFromOtherLineage(t *testing.T) {
	layer, _, lin, _, _, _ := newTestLayer(t)

	// v9 exists, but under a different resource's lineage.
	lin.records = append(lin.records, &types.LineageRecord{
		LineageID: types.DeriveLineageID("p1", "d1", "other-resource"),
		VersionID: "v9",
	})
	req := validRequest()
	req.PreviousVersionID = "v9"
	_, err := layer.Submit(context.Background(), req, false)
	if err == nil {
		t.Fatalf("predecessor from a foreign lineage must be rejected")
	}
	if coreerr.KindOf(err) != coreerr.KindInvalidParams {
		t.Fatalf("error_kind: %s", coreerr.KindOf(err))
	}
}

func TestSubmitMissingBlob(t *testing.T) {
	layer, sub, _, _, blobs, _ := newTestLayer(t)
	blobs.present["uploads/a.gpkg"] = true

	req := validRequest()
	req.SourceContainer = "uploads"
	req.SourceBlobs = []string{"a.gpkg", "b.gpkg"}
	_, err := layer.Submit(context.Background(), req, false)
	if err == nil {
		t.Fatalf("missing blob must fail validation")
	}
	if coreerr.KindOf(err) != coreerr.KindResourceMissing {
		t.Fatalf("error_kind: want resource_missing, got %s", coreerr.KindOf(err))
	}
	if sub.submits != 0 {
		t.Fatalf("no submit on failed blob check")
	}
}

func TestSubmitTargetTableChecks(t *testing.T) {
	layer, _, _, _, _, tables := newTestLayer(t)
	ctx := context.Background()
	tables.tables["existing"] = true

	// Creating a table that already exists is invalid.
	req := validRequest()
	req.TargetTable = "existing"
	req.CreatesTable = true
	if _, err := layer.Submit(ctx, req, false); coreerr.KindOf(err) != coreerr.KindInvalidParams {
		t.Fatalf("create-over-existing: want invalid_params, got %v", err)
	}

	// Appending to a table that does not exist is resource_missing.
	req = validRequest()
	req.TargetTable = "absent"
	if _, err := layer.Submit(ctx, req, false); coreerr.KindOf(err) != coreerr.KindResourceMissing {
		t.Fatalf("append-to-absent: want resource_missing, got %v", err)
	}

	// Appending to an existing table passes.
	req = validRequest()
	req.TargetTable = "existing"
	if _, err := layer.Submit(ctx, req, false); err != nil {
		t.Fatalf("append-to-existing: %v", err)
	}
}

func TestDryRunMutatesNothing(t *testing.T) {
	layer, sub, lin, jobs, _, _ := newTestLayer(t)

	res, err := layer.Submit(context.Background(), validRequest(), true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !res.DryRun {
		t.Fatalf("result must carry dry_run=true")
	}
	if res.JobID == "" || res.LineageID == "" {
		t.Fatalf("dry run must project ids: %+v", res)
	}
	if sub.submits != 0 {
		t.Fatalf("dry run must not submit")
	}
	if len(lin.records) != 0 {
		t.Fatalf("dry run must not write lineage records")
	}
	if res.AlreadyExists {
		t.Fatalf("no job row exists yet")
	}

	// With the job row present, dry run reports the duplicate.
	jobs.jobs[res.JobID] = &types.Job{JobID: res.JobID, Status: types.JobProcessing}
	res2, err := layer.Submit(context.Background(), validRequest(), true)
	if err != nil {
		t.Fatalf("second dry run: %v", err)
	}
	if !res2.AlreadyExists || res2.Job == nil {
		t.Fatalf("dry run over existing job must report already_exists with the row")
	}
}

func TestSubmitSchemaValidation(t *testing.T) {
	layer, _, _, _, _, _ := newTestLayer(t)
	ctx := context.Background()

	cases := []func(r *ExternalRequest){
		func(r *ExternalRequest) { r.JobType = "" },
		func(r *ExternalRequest) { r.PlatformID = "" },
		func(r *ExternalRequest) { r.DatasetID = "" },
		func(r *ExternalRequest) { r.ResourceID = "" },
		func(r *ExternalRequest) { r.VersionID = "" },
		func(r *ExternalRequest) { r.PreviousVersionID = r.VersionID },
		func(r *ExternalRequest) { r.SourceBlobs = []string{"x"} },
	}
	for i, mutate := range cases {
		req := validRequest()
		mutate(req)
		_, err := layer.Submit(ctx, req, false)
		if coreerr.KindOf(err) != coreerr.KindInvalidParams {
			t.Fatalf("case %d: want invalid_params, got %v", i, err)
		}
	}
}
