// Package maintenance runs the console's fixed-interval background jobs.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Job is one periodic task. Run gets a context bounded by Timeout.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler owns a set of jobs, one goroutine each.
type Scheduler struct {
	log  logrus.FieldLogger
	jobs []Job
	wg   sync.WaitGroup
}

// NewScheduler returns an empty scheduler.
func NewScheduler(log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{log: log}
}

// Add registers job. Jobs with a non-positive interval are ignored.
func (s *Scheduler) Add(job Job) {
	if job.Interval <= 0 || job.Run == nil {
		s.log.WithField("job", job.Name).Info("job disabled")
		return
	}
	s.jobs = append(s.jobs, job)
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for _, job := range s.jobs {
		names = append(names, job.Name)
	}
	return names
}

// Start launches every job; each runs once immediately and then on its
// interval until stop is closed.
func (s *Scheduler) Start(stop <-chan struct{}) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.loop(job, stop)
		}(job)
	}
}

// Wait blocks until every job loop has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(job Job, stop <-chan struct{}) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	s.RunOnce(job)
	for {
		select {
		case <-ticker.C:
			s.RunOnce(job)
		case <-stop:
			return
		}
	}
}

// RunOnce executes job, logging (never propagating) failures and panics.
func (s *Scheduler) RunOnce(job Job) {
	log := s.log.WithField("job", job.Name)
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = job.Interval
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	started := time.Now()
	err := safeRun(ctx, job.Run)
	if err != nil {
		log.WithError(err).Error("job failed")
		return
	}
	log.WithField("duration", time.Since(started).String()).Debug("job finished")
}

func safeRun(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return run(ctx)
}
