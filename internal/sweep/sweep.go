package sweep

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Job is one periodic maintenance task. Run returns how many items it
// removed.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(now time.Time) (int, error)
}

var timeNowFunc = time.Now

// Scheduler runs each job on its own ticker until Stop is called.
type Scheduler struct {
	jobs    []Job
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

func NewScheduler(jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs: jobs,
		done: make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for _, job := range s.jobs {
		if job.Interval <= 0 {
			log.Warn().Str("job", job.Name).Msg("[SWEEP] Job has no interval, not scheduling")
			continue
		}
		s.wg.Add(1)
		go s.loop(job)
		log.Info().
			Str("job", job.Name).
			Dur("interval", job.Interval).
			Msg("[SWEEP] Scheduler started")
	}
}

func (s *Scheduler) loop(job Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runJob(job)
		case <-s.done:
			return
		}
	}
}

func runJob(job Job) int {
	removed, err := job.Run(timeNowFunc())
	if err != nil {
		log.Error().Err(err).Str("job", job.Name).Msg("[SWEEP] Job failed")
		return removed
	}
	if removed > 0 {
		log.Debug().Str("job", job.Name).Int("removed", removed).Msg("[SWEEP] Job completed")
	}
	return removed
}

// Stop halts all tickers and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	log.Info().Msg("[SWEEP] Scheduler stopped")
}

// RunNow executes every job once, synchronously.
func (s *Scheduler) RunNow() map[string]int {
	results := make(map[string]int, len(s.jobs))
	for _, job := range s.jobs {
		results[job.Name] = runJob(job)
	}
	return results
}
