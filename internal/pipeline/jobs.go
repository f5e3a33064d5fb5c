package pipeline

import (
	"context"
	"errors"

	"github.com/dvloznov/finance-warehouse/internal/columnar"
	"github.com/dvloznov/finance-warehouse/internal/domain"
	"github.com/dvloznov/finance-warehouse/internal/jobs"
)

// JobHandler runs a load for each job. Failures caused by the input data
// are marked permanent since a retry would read the same files.
func (r *Runner) JobHandler() jobs.JobHandler {
	return func(ctx context.Context, job *jobs.LoadJob) error {
		summary, err := r.Run(ctx, job.Trigger)
		if summary != nil {
			job.RunID = summary.RunID
		}
		if err != nil {
			if IsDataError(err) {
				return jobs.Permanent(err)
			}
			return err
		}
		job.Result = &jobs.LoadResult{
			FactRows:        summary.Report.FactRows(),
			RejectedRecords: summary.Report.Rejected,
			UnresolvedKeys:  summary.Report.Unresolved,
			Tables:          len(summary.Tables),
		}
		return nil
	}
}

// IsDataError reports whether err was caused by the content of the input
// rather than by the environment.
func IsDataError(err error) bool {
	var (
		empty     *domain.EmptyInputError
		dateRange *domain.InvalidDateRangeError
		collision *domain.KeyCollisionError
	)
	return errors.As(err, &empty) ||
		errors.As(err, &dateRange) ||
		errors.As(err, &collision) ||
		errors.Is(err, ErrRejectLimit) ||
		errors.Is(err, columnar.ErrAmountOutOfRange)
}
