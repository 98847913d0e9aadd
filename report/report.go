package report

import (
	"time"
)

type Status string

const (
	StatusSucceeded          Status = "succeeded"
	StatusSkipped            Status = "skipped"
	StatusProvisionFailed    Status = "provision-failed"
	StatusStartupTimeout     Status = "startup-timeout"
	StatusUploadFailed       Status = "upload-failed"
	StatusConfigurationError Status = "configuration-error"
	StatusExecutionFailed    Status = "execution-failed"
	StatusExecutionTimeout   Status = "execution-timeout"
	StatusRetrievalFailed    Status = "retrieval-failed"
	// StatusFailed covers a task that panicked or stopped on an unexpected error.
	StatusFailed Status = "failed"
)

func (s Status) Failed() bool {
	return s != StatusSucceeded && s != StatusSkipped
}

// severity orders sub-result statuses when rolling them up into an instance status.
func (s Status) severity() int {
	switch s {
	case StatusSucceeded:
		return 0
	case StatusRetrievalFailed:
		return 1
	case StatusExecutionTimeout:
		return 2
	case StatusConfigurationError:
		return 3
	default:
		return 4
	}
}

// SubResult is the outcome of one workload config on one instance.
type SubResult struct {
	Index            int       `json:"index"` // 1-based position in the instance's config list
	Config           string    `json:"config"`
	RemoteConfigPath string    `json:"remoteConfigPath,omitempty"`
	Status           Status    `json:"status"`
	Attempts         int       `json:"attempts"`
	LaunchOutput     string    `json:"launchOutput,omitempty"`
	CompletionFound  bool      `json:"completionFound"`
	LogPath          string    `json:"logPath,omitempty"`
	ResultsDirs      []string  `json:"resultsDirs,omitempty"`
	Error            string    `json:"error,omitempty"` // non-empty iff the config failed
	RetrievalError   string    `json:"retrievalError,omitempty"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`

	Err error `json:"-"`
}

func (s *SubResult) Fail(status Status, err error) {
	s.Status = status
	if err != nil {
		s.Err = err
		s.Error = err.Error()
	}
}

// DeploymentResult is the outcome for one instance. It is immutable once recorded in a FleetReport.
type DeploymentResult struct {
	Instance     string       `json:"instance"`
	InstanceID   string       `json:"instanceID,omitempty"`
	InstanceType string       `json:"instanceType"`
	Region       string       `json:"region"`
	Host         string       `json:"host,omitempty"`
	Launched     bool         `json:"launched"` // the run created the instance rather than reusing one
	Status       Status       `json:"status"`
	SubResults   []*SubResult `json:"subResults"`
	Error        string       `json:"error,omitempty"` // non-empty iff the instance failed outright
	LogSnapshot  string       `json:"logSnapshot,omitempty"`
	StartedAt    time.Time    `json:"startedAt"`
	FinishedAt   time.Time    `json:"finishedAt"`
	TotalTimeSec float64      `json:"totalTimeSec"`

	Err error `json:"-"`
}

func NewDeploymentResult(instance, instanceType, region string) *DeploymentResult {
	return &DeploymentResult{
		Instance:     instance,
		InstanceType: instanceType,
		Region:       region,
		SubResults:   []*SubResult{},
		StartedAt:    time.Now(),
	}
}

// Fail marks the whole instance as failed.
func (r *DeploymentResult) Fail(status Status, err error) {
	r.Status = status
	if err != nil {
		r.Err = err
		r.Error = err.Error()
	}
}

// RollUp derives the instance status from its sub-results, taking the most severe one.
func (r *DeploymentResult) RollUp() {
	status := StatusSucceeded
	var err error
	for _, sub := range r.SubResults {
		if sub.Status.severity() > status.severity() {
			status = sub.Status
			err = sub.Err
		}
	}
	r.Status = status
	if err != nil && r.Err == nil {
		r.Err = err
		r.Error = err.Error()
	}
}

func (r *DeploymentResult) Finish() {
	r.FinishedAt = time.Now()
	r.TotalTimeSec = r.FinishedAt.Sub(r.StartedAt).Seconds()
}
