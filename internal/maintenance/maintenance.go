// Package maintenance runs the periodic hub sweep (Component N,
// SPEC_FULL.md §4.N): pure in-memory housekeeping that drops
// connections that went dark without a clean unregister (crash,
// network drop) so the hub's session index never accumulates dead
// bindings.
package maintenance

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/aquagw/gateway/internal/hub"
)

const defaultMaxIdle = 90 * time.Second

// Job owns the cron schedule driving the sweep.
type Job struct {
	hub     *hub.Hub
	log     *logrus.Logger
	maxIdle time.Duration
	cron    *cron.Cron
}

// New builds a Job. maxIdle of zero falls back to defaultMaxIdle.
func New(h *hub.Hub, log *logrus.Logger, maxIdle time.Duration) *Job {
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdle
	}
	return &Job{hub: h, log: log, maxIdle: maxIdle, cron: cron.New()}
}

// Start schedules the sweep every 30 seconds and returns immediately;
// the schedule runs on cron's own goroutine.
func (j *Job) Start() error {
	_, err := j.cron.AddFunc("@every 30s", j.sweep)
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule, waiting for any in-flight sweep to finish.
func (j *Job) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *Job) sweep() {
	stale := j.hub.StaleConnections(j.maxIdle)
	for _, conn := range stale {
		j.log.WithFields(logrus.Fields{
			"connection_id": conn.ID,
			"session_id":    conn.SessionID,
		}).Info("evicting stale connection binding")
		j.hub.Unregister(conn)
	}
}
