package repos

import (
	"context"
	"testing"

	"github.com/geocore/coremachine/internal/logger"
	"github.com/geocore/coremachine/internal/types"
)

func TestUpdateStatusIfRejectsIllegalTransition(t *testing.T) {
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	repo := NewJobRepo(nil, log)

	cases := []struct{ from, to types.JobStatus }{
		{types.JobCompleted, types.JobProcessing},
		{types.JobCompletedWithErrors, types.JobProcessing},
		{types.JobFailed, types.JobQueued},
		{types.JobProcessing, types.JobQueued},
		{types.JobQueued, types.JobCompleted},
	}
	for _, c := range cases {
		if _, err := repo.UpdateStatusIf(context.Background(), nil, "job", c.from, c.to, nil); err == nil {
			t.Fatalf("transition %s -> %s must be rejected before touching the database", c.from, c.to)
		}
	}
}
