package engine

import (
	"context"

	"github.com/trifone/trifone/internal/audio"
)

// Monitor slides a fixed window with overlap across a long query and matches
// every window independently. Windows step MonitorStep-MonitorOverlap
// seconds, so 25 s windows with 5 s overlap cover 0-25, 20-45, 40-65, and so
// on. No state flows between windows.
func (s *Strategy) Monitor(ctx context.Context, path string, maxResults int, avoid map[int32]struct{}) (*QueryOutcome, error) {
	totalDuration, err := audio.FileDuration(path)
	if err != nil {
		return nil, err
	}

	step := s.cfg.MonitorStep - s.cfg.MonitorOverlap
	outcome := &QueryOutcome{}
	for t := 0; float64(t+s.cfg.MonitorStep) < totalDuration; t += step {
		sub, err := s.query(ctx, path, maxResults, avoid, float64(t), float64(s.cfg.MonitorStep))
		if err != nil {
			return outcome, err
		}
		outcome.Results = append(outcome.Results, sub.Results...)
		if sub.Cancelled {
			outcome.Cancelled = true
			break
		}
	}
	return outcome, nil
}
