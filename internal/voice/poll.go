package voice

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/voiceclone/internal/api"
	"golang.org/x/sync/errgroup"
)

const (
	logFmtPollFailed     = "Polling error: %v"
	logFmtTrainingUpdate = "Training task %s: %s"
)

// LoadSamples fetches the sample list and the stats concurrently.
func (s *Service) LoadSamples(ctx context.Context) ([]Sample, *SampleStats, error) {
	var (
		samples []Sample
		stats   *SampleStats
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		var err error

		samples, err = s.ListSamples(groupCtx)

		return err
	})

	group.Go(func() error {
		var err error

		stats, err = s.SampleStats(groupCtx)

		return err
	})

	err := group.Wait()
	if err != nil {
		return nil, nil, err
	}

	return samples, stats, nil
}

// WaitForTraining polls the task every training interval until it
// completes or fails. Poll errors are logged and polling continues, except
// authentication errors, which mean the session is gone. A failed task is
// returned together with ErrTrainingFailed.
func (s *Service) WaitForTraining(
	ctx context.Context,
	taskID string,
	onUpdate func(*TrainingTask),
) (*TrainingTask, error) {
	ticker := time.NewTicker(s.opts.TrainingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("stopped waiting for training: %w", ctx.Err())
		case <-ticker.C:
		}

		task, err := s.TrainingStatus(ctx, taskID)
		if err != nil {
			if stopPolling(ctx, err) {
				return nil, err
			}

			s.log.Warn(logFmtPollFailed, err)

			continue
		}

		s.log.Info(logFmtTrainingUpdate, task.TaskID, task.Status)

		if onUpdate != nil {
			onUpdate(task)
		}

		if task.Status == TaskFailed {
			return task, fmt.Errorf("%w: %s", ErrTrainingFailed, task.ErrorMessage)
		}

		if task.Done() {
			return task, nil
		}
	}
}

// WatchValidation reloads samples and stats until no sample is processing,
// waiting one validation interval between loads. It returns the last stats.
func (s *Service) WatchValidation(
	ctx context.Context,
	onUpdate func([]Sample, *SampleStats),
) (*SampleStats, error) {
	for {
		samples, stats, err := s.LoadSamples(ctx)

		switch {
		case err != nil && stopPolling(ctx, err):
			return nil, err
		case err != nil:
			s.log.Warn(logFmtPollFailed, err)
		default:
			if onUpdate != nil {
				onUpdate(samples, stats)
			}

			if stats.ProcessingSamples == 0 {
				return stats, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("stopped watching validation: %w", ctx.Err())
		case <-time.After(s.opts.ValidationInterval):
		}
	}
}

func stopPolling(ctx context.Context, err error) bool {
	return ctx.Err() != nil || api.KindOf(err) == api.KindAuthentication
}
