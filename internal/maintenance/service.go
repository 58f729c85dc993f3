// Package maintenance runs the recurring housekeeping jobs: the daily
// buffer flush, session cleanup, and the upload queue report.
package maintenance

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// JobFunc does one run of a housekeeping task. The returned string is
// logged as the job result.
type JobFunc func() (string, error)

// JobState records the outcome of a job's most recent run.
type JobState struct {
	Name       string
	Schedule   string
	LastRunAt  time.Time
	LastStatus string
	LastError  string
}

type job struct {
	name     string
	schedule string
	fn       JobFunc
	state    JobState
}

type Service struct {
	mu   sync.Mutex
	cron *rcron.Cron
	jobs []*job
}

func NewService() *Service {
	return &Service{cron: rcron.New()}
}

// AddDaily registers fn to run once a day at the given local wall time,
// formatted "HH:MM".
func (s *Service) AddDaily(name, at string, fn JobFunc) error {
	hour, minute, err := parseWallTime(at)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	return s.add(name, fmt.Sprintf("%d %d * * *", minute, hour), fn)
}

// AddInterval registers fn to run at a fixed interval of whole minutes.
func (s *Service) AddInterval(name string, every time.Duration, fn JobFunc) error {
	if every < time.Minute {
		return fmt.Errorf("job %s: interval %s is below one minute", name, every)
	}
	return s.add(name, fmt.Sprintf("@every %s", every), fn)
}

func (s *Service) add(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := &job{
		name:     name,
		schedule: spec,
		fn:       fn,
		state:    JobState{Name: name, Schedule: spec},
	}
	if _, err := s.cron.AddFunc(spec, func() { s.execute(j) }); err != nil {
		return fmt.Errorf("register job %s (%s): %w", name, spec, err)
	}
	s.jobs = append(s.jobs, j)
	return nil
}

func (s *Service) execute(j *job) {
	log.Printf("[maintenance] running %s", j.name)
	result, err := j.fn()

	s.mu.Lock()
	defer s.mu.Unlock()
	j.state.LastRunAt = time.Now()
	if err != nil {
		j.state.LastStatus = "error"
		j.state.LastError = err.Error()
		log.Printf("[maintenance] %s error: %v", j.name, err)
		return
	}
	j.state.LastStatus = "ok"
	j.state.LastError = ""
	log.Printf("[maintenance] %s: %s", j.name, truncate(result, 200))
}

// RunAll executes every registered job immediately, outside the schedule.
func (s *Service) RunAll() {
	s.mu.Lock()
	jobs := make([]*job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, j := range jobs {
		s.execute(j)
	}
}

// Jobs returns a snapshot of every job's last-run state.
func (s *Service) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		states = append(states, j.state)
	}
	return states
}

func (s *Service) Start() {
	s.cron.Start()
	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	log.Printf("[maintenance] started with %d jobs", n)
}

func (s *Service) Stop() {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[maintenance] stop timeout waiting for running jobs")
	}
	log.Printf("[maintenance] stopped")
}

func parseWallTime(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
