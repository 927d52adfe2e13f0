package scheduler

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Progress is what a worker reports; zero fields are written as zero.
type Progress struct {
	CurrentBytes int64
	TotalBytes   int64
	CurrentItems int
	TotalItems   int
	SpeedBps     float64
	EtaSeconds   int64
	Message      string
}

// Reporter persists worker progress and logs. Both methods return ErrAborted
// once the worker's context is done, which the worker should propagate.
type Reporter interface {
	Progress(p Progress) error
	Log(level, msg string) error
}

type reporter struct {
	s *Scheduler
	r *run
}

func (rep *reporter) Progress(p Progress) error {
	if rep.r.ctx.Err() != nil {
		return ErrAborted
	}
	if p.EtaSeconds == 0 && p.SpeedBps > 0 && p.TotalBytes > p.CurrentBytes {
		p.EtaSeconds = int64(float64(p.TotalBytes-p.CurrentBytes) / p.SpeedBps)
	}
	err := rep.s.store.UpdateTask(context.Background(), rep.r.taskID, map[string]interface{}{
		"current_bytes":    p.CurrentBytes,
		"total_bytes":      p.TotalBytes,
		"current_items":    p.CurrentItems,
		"total_items":      p.TotalItems,
		"speed_bps":        p.SpeedBps,
		"eta_seconds":      p.EtaSeconds,
		"progress_message": p.Message,
	})
	if err != nil {
		return fmt.Errorf("recording progress: %w", err)
	}
	return nil
}

func (rep *reporter) Log(level, msg string) error {
	if rep.r.ctx.Err() != nil {
		return ErrAborted
	}
	log.WithFields(log.Fields{"task": rep.r.taskID, "level": level}).Debug(msg)
	return rep.s.store.AppendTaskLog(context.Background(), rep.r.taskID, level, msg)
}
