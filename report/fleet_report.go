package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

var ErrDuplicateResult = errors.New("result already recorded")

// FleetReport maps instance name to its DeploymentResult. It is filled in as tasks finish.
type FleetReport struct {
	RunID      string                       `json:"runID"`
	Name       string                       `json:"name"`
	StartedAt  time.Time                    `json:"startedAt"`
	FinishedAt time.Time                    `json:"finishedAt"`
	Results    map[string]*DeploymentResult `json:"results"`

	mu sync.Mutex
}

func NewFleetReport(runID, name string) *FleetReport {
	return &FleetReport{
		RunID:     runID,
		Name:      name,
		StartedAt: time.Now(),
		Results:   map[string]*DeploymentResult{},
	}
}

// Record adds a finished result. Each instance can be recorded once.
func (r *FleetReport) Record(res *DeploymentResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Results[res.Instance]; ok {
		return fmt.Errorf("%s: %w", res.Instance, ErrDuplicateResult)
	}
	r.Results[res.Instance] = res
	return nil
}

func (r *FleetReport) Get(instance string) (*DeploymentResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.Results[instance]
	return res, ok
}

func (r *FleetReport) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Results)
}

// Names returns the recorded instance names in sorted order.
func (r *FleetReport) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.Results))
	for name := range r.Results {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *FleetReport) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FinishedAt = time.Now()
}

type Summary struct {
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
	// Failures maps a failed instance to its status and error.
	Failures map[string]string
}

func (r *FleetReport) Summary() *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Summary{Total: len(r.Results), Failures: map[string]string{}}
	for name, res := range r.Results {
		switch {
		case res.Status == StatusSkipped:
			s.Skipped++
		case res.Status.Failed():
			s.Failed++
			s.Failures[name] = fmt.Sprintf("%s: %s", res.Status, res.Error)
		default:
			s.Succeeded++
		}
	}
	return s
}

func (r *FleetReport) WriteJSON(path string) error {
	r.mu.Lock()
	buf, err := json.MarshalIndent(r, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return err
	}
	err = os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}
