package platformlayer

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/geocore/coremachine/internal/blob"
	"github.com/geocore/coremachine/internal/coreerr"
	"github.com/geocore/coremachine/internal/logger"
	"github.com/geocore/coremachine/internal/repos"
	"github.com/geocore/coremachine/internal/types"
)

// ExternalRequest is the wire shape accepted from platform clients. Nothing
// in it is trusted: every referenced resource is validated before a job is
// created.
type ExternalRequest struct {
	JobType           string         `json:"job_type"`
	PlatformID        string         `json:"platform_id"`
	DatasetID         string         `json:"dataset_id"`
	ResourceID        string         `json:"resource_id"`
	VersionID         string         `json:"version_id"`
	PreviousVersionID string         `json:"previous_version_id,omitempty"`
	SourceContainer   string         `json:"source_container,omitempty"`
	SourceBlobs       []string       `json:"source_blobs,omitempty"`
	TargetTable       string         `json:"target_table,omitempty"`
	CreatesTable      bool           `json:"creates_table,omitempty"`
	Parameters        map[string]any `json:"parameters,omitempty"`
}

// PlatformResult is what a submit (dry or real) reports back.
type PlatformResult struct {
	JobID         string     `json:"job_id"`
	LineageID     string     `json:"lineage_id"`
	VersionID     string     `json:"version_id"`
	AlreadyExists bool       `json:"already_exists"`
	DryRun        bool       `json:"dry_run"`
	Job           *types.Job `json:"job,omitempty"`
	// ChecksPassed lists the validation steps that ran, in order, so a
	// dry-run response explains what a real submit would do.
	ChecksPassed []string `json:"checks_passed"`
}

// Submitter is the slice of the machine the platform layer needs.
type Submitter interface {
	Submit(ctx context.Context, jobType string, params map[string]any) (*types.Job, bool, error)
}

// TableInspector answers whether a relational target exists. Backed by the
// gorm migrator in production.
type TableInspector interface {
	HasTable(ctx context.Context, name string) (bool, error)
}

type gormTableInspector struct{ db *gorm.DB }

func (g gormTableInspector) HasTable(ctx context.Context, name string) (bool, error) {
	return g.db.WithContext(ctx).Migrator().HasTable(name), nil
}

func NewGormTableInspector(db *gorm.DB) TableInspector { return gormTableInspector{db: db} }

// Layer is the anti-corruption surface between external clients and the
// machine. It never transitions job state itself; on a valid non-dry submit
// it delegates to Submitter and records the version lineage.
type Layer struct {
	log       *logger.Logger
	submitter Submitter
	jobs      repos.JobRepo
	lineage   repos.LineageRepo
	blobs     blob.Store
	tables    TableInspector
}

func NewLayer(
	baseLog *logger.Logger,
	submitter Submitter,
	jobs repos.JobRepo,
	lineage repos.LineageRepo,
	blobs blob.Store,
	tables TableInspector,
) *Layer {
	return &Layer{
		log:       baseLog.With("component", "PlatformLayer"),
		submitter: submitter,
		jobs:      jobs,
		lineage:   lineage,
		blobs:     blobs,
		tables:    tables,
	}
}

// Submit runs the full validation chain and, unless dryRun, creates the job
// and lineage record. Validation failures never leave partial state behind.
func (l *Layer) Submit(ctx context.Context, req *ExternalRequest, dryRun bool) (*PlatformResult, error) {
	if req == nil {
		return nil, coreerr.New(coreerr.KindInvalidParams, "empty request body")
	}
	res := &PlatformResult{DryRun: dryRun, VersionID: req.VersionID}

	// (a) request schema.
	if err := l.validateSchema(req); err != nil {
		return nil, err
	}
	res.ChecksPassed = append(res.ChecksPassed, "schema")
	res.LineageID = types.DeriveLineageID(req.PlatformID, req.DatasetID, req.ResourceID)

	params := l.buildParams(req)
	jobID, err := types.DeriveJobID(req.JobType, params)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvalidParams, "derive job id", err)
	}
	res.JobID = jobID

	// (b) referenced blobs and containers must exist.
	if err := l.validateBlobs(ctx, req); err != nil {
		return nil, err
	}
	res.ChecksPassed = append(res.ChecksPassed, "blobs")

	// (c) target table presence or absence, depending on whether the job
	// creates it.
	if err := l.validateTargetTable(ctx, req); err != nil {
		return nil, err
	}
	res.ChecksPassed = append(res.ChecksPassed, "target_table")

	// (d) lineage invariants: a declared predecessor must exist and belong
	// to this lineage.
	if err := l.validateLineage(ctx, res.LineageID, req); err != nil {
		return nil, err
	}
	res.ChecksPassed = append(res.ChecksPassed, "lineage")

	if dryRun {
		existing, gerr := l.jobs.GetByID(ctx, nil, jobID)
		if gerr != nil {
			return nil, gerr
		}
		res.AlreadyExists = existing != nil
		res.Job = existing
		l.log.Info("Dry-run submit validated", "job_id", jobID, "lineage_id", res.LineageID, "already_exists", res.AlreadyExists)
		return res, nil
	}

	job, alreadyExists, err := l.submitter.Submit(ctx, req.JobType, params)
	if err != nil {
		return nil, err
	}
	res.Job = job
	res.AlreadyExists = alreadyExists

	// Lineage rows are insert-if-absent on (lineage_id, version_id), so a
	// duplicate submit or a crash-retry converges on one record.
	_, err = l.lineage.CreateIfAbsent(ctx, nil, &types.LineageRecord{
		LineageID:  res.LineageID,
		VersionID:  req.VersionID,
		PlatformID: req.PlatformID,
		DatasetID:  req.DatasetID,
		ResourceID: req.ResourceID,
		JobID:      job.JobID,
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("Platform submit accepted",
		"job_id", job.JobID,
		"job_type", req.JobType,
		"lineage_id", res.LineageID,
		"version_id", req.VersionID,
		"already_exists", alreadyExists,
	)
	return res, nil
}

// Versions lists the recorded versions of a lineage, oldest first.
func (l *Layer) Versions(ctx context.Context, platformID, datasetID, resourceID string) ([]*types.LineageRecord, error) {
	lineageID := types.DeriveLineageID(platformID, datasetID, resourceID)
	return l.lineage.ListByLineage(ctx, nil, lineageID)
}

func (l *Layer) validateSchema(req *ExternalRequest) error {
	switch {
	case req.JobType == "":
		return coreerr.New(coreerr.KindInvalidParams, "missing job_type")
	case req.PlatformID == "":
		return coreerr.New(coreerr.KindInvalidParams, "missing platform_id")
	case req.DatasetID == "":
		return coreerr.New(coreerr.KindInvalidParams, "missing dataset_id")
	case req.ResourceID == "":
		return coreerr.New(coreerr.KindInvalidParams, "missing resource_id")
	case req.VersionID == "":
		return coreerr.New(coreerr.KindInvalidParams, "missing version_id")
	case req.PreviousVersionID != "" && req.PreviousVersionID == req.VersionID:
		return coreerr.New(coreerr.KindInvalidParams, "previous_version_id equals version_id")
	case len(req.SourceBlobs) > 0 && req.SourceContainer == "":
		return coreerr.New(coreerr.KindInvalidParams, "source_blobs given without source_container")
	}
	return nil
}

// buildParams folds the lineage identity into the job parameters so the
// derived job_id distinguishes versions of the same resource.
func (l *Layer) buildParams(req *ExternalRequest) map[string]any {
	params := make(map[string]any, len(req.Parameters)+4)
	for k, v := range req.Parameters {
		params[k] = v
	}
	params["platform_id"] = req.PlatformID
	params["dataset_id"] = req.DatasetID
	params["resource_id"] = req.ResourceID
	params["version_id"] = req.VersionID
	if req.SourceContainer != "" {
		params["source_container"] = req.SourceContainer
	}
	if len(req.SourceBlobs) > 0 {
		blobs := make([]any, len(req.SourceBlobs))
		for i, b := range req.SourceBlobs {
			blobs[i] = b
		}
		params["source_blobs"] = blobs
	}
	if req.TargetTable != "" {
		params["target_table"] = req.TargetTable
	}
	return params
}

func (l *Layer) validateBlobs(ctx context.Context, req *ExternalRequest) error {
	if len(req.SourceBlobs) == 0 || l.blobs == nil {
		return nil
	}
	for _, name := range req.SourceBlobs {
		path := req.SourceContainer + "/" + name
		ok, err := l.blobs.Exists(ctx, path)
		if err != nil {
			return coreerr.Wrap(coreerr.KindTransientBroker, "blob existence check failed", err)
		}
		if !ok {
			return coreerr.Newf(coreerr.KindResourceMissing, "source blob %s not found", path)
		}
	}
	return nil
}

func (l *Layer) validateTargetTable(ctx context.Context, req *ExternalRequest) error {
	if req.TargetTable == "" || l.tables == nil {
		return nil
	}
	exists, err := l.tables.HasTable(ctx, req.TargetTable)
	if err != nil {
		return fmt.Errorf("target table check: %w", err)
	}
	if req.CreatesTable && exists {
		return coreerr.Newf(coreerr.KindInvalidParams, "target table %s already exists", req.TargetTable)
	}
	if !req.CreatesTable && !exists {
		return coreerr.Newf(coreerr.KindResourceMissing, "target table %s not found", req.TargetTable)
	}
	return nil
}

func (l *Layer) validateLineage(ctx context.Context, lineageID string, req *ExternalRequest) error {
	if req.PreviousVersionID == "" {
		return nil
	}
	prev, err := l.lineage.GetVersion(ctx, nil, lineageID, req.PreviousVersionID)
	if err != nil {
		return err
	}
	if prev == nil {
		return coreerr.Newf(coreerr.KindInvalidParams, "previous_version_id %s not found in lineage", req.PreviousVersionID)
	}
	return nil
}
