package config

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	StartupCompleteFlag    = "/tmp/startup_complete.flag"
	CompletionFlag         = "/tmp/fmbench_completed.flag"
	CloudInitLogPath       = "/var/log/cloud-init-output.log"
	ExistingStartupScript  = "/tmp/startup_script.sh"
	ExistingStartupLogPath = "/tmp/startup_script.log"
	NohupLogPath           = "$HOME/run_fmbench_nohup.log"
	ResultsGlob            = "$HOME/results-*"

	FMBenchConfigPrefix   = "fmbench:"
	FMBenchConfigGHPrefix = "https://raw.githubusercontent.com/aws-samples/foundation-model-benchmarking-tool/refs/heads/main/fmbench/configs/"
	FMBenchGHRepo         = "https://github.com/aws-samples/foundation-model-benchmarking-tool.git"

	DefaultDeviceName    = "/dev/sda1"
	DefaultEBSIops       = 16000
	DefaultEBSVolumeSize = 250
	DefaultEBSVolumeType = "gp3"
)

var neuronPrefixes = []string{"inf2", "trn1"}

type Config struct {
	General       General         `yaml:"general"`
	AWS           AWS             `yaml:"aws"`
	RunSteps      RunSteps        `yaml:"run_steps"`
	SecurityGroup SecurityGroup   `yaml:"security_group"`
	KeyPair       KeyPair         `yaml:"key_pair_gen"`
	Defaults      EC2Settings     `yaml:"defaults"`
	Instances     []*InstanceSpec `yaml:"instances"`
	Orchestrator  Orchestrator    `yaml:"orchestrator"`
	FMBench       FMBench         `yaml:"fmbench"`

	// HFToken is read from aws.hf_token_fpath or the HF_TOKEN environment variable.
	HFToken string `yaml:"-"`
}

type General struct {
	Name string `yaml:"name"`
}

type AWS struct {
	Region       string `yaml:"region"`
	HFTokenFpath string `yaml:"hf_token_fpath"`
}

type RunSteps struct {
	SecurityGroupCreation bool `yaml:"security_group_creation"`
	KeyPairGeneration     bool `yaml:"key_pair_generation"`
	DeployEC2Instance     bool `yaml:"deploy_ec2_instance"`
	DeleteEC2Instance     bool `yaml:"delete_ec2_instance"`
	CreateIAMRole         bool `yaml:"create_iam_role"`
}

type SecurityGroup struct {
	GroupName   string `yaml:"group_name"`
	Description string `yaml:"description"`
	VpcID       string `yaml:"vpc_id"`
	AppPort     int32  `yaml:"app_port"`
}

// NameFor returns the region-scoped group name shared by every instance in that region.
func (s *SecurityGroup) NameFor(region string) string {
	return fmt.Sprintf("%s-%s", s.GroupName, region)
}

type KeyPair struct {
	KeyPairName string `yaml:"key_pair_name"`
	KeyDir      string `yaml:"key_dir"`
}

// NameFor returns the key pair name for a region. The local key file is named after it.
func (k *KeyPair) NameFor(region string) string {
	return fmt.Sprintf("%s_%s", k.KeyPairName, region)
}

type Orchestrator struct {
	// Concurrency bounds how many instances are driven at once. 0 means unlimited.
	Concurrency    int      `yaml:"concurrency"`
	StartupTimeout Duration `yaml:"startup_timeout"`
	PollInterval   Duration `yaml:"poll_interval"`
	MaxRetries     int      `yaml:"max_retries"`
	RetryCooldown  Duration `yaml:"retry_cooldown"`
	LaunchAckWait  Duration `yaml:"launch_ack_wait"`
	SSHTimeout     Duration `yaml:"ssh_timeout"`
	KnownHosts     string   `yaml:"known_hosts"`
	UseSSHAgent    bool     `yaml:"use_ssh_agent"`
	ResultsDir     string   `yaml:"results_dir"`
	DownloadDir    string   `yaml:"download_dir"`
	StatusDB       string   `yaml:"status_db"`
	ResultsBucket  string   `yaml:"results_bucket"`
	ResultsPrefix  string   `yaml:"results_prefix"`
	WriteBucket    string   `yaml:"write_bucket"`
}

type FMBench struct {
	Latest  bool   `yaml:"latest"`
	Repo    string `yaml:"repo"`
	Version string `yaml:"version"`
}

// EC2Settings may be set under defaults and per instance. Instance values win.
type EC2Settings struct {
	Region                 string `yaml:"region"`
	AmiID                  AMIRef `yaml:"ami_id"`
	DeviceName             string `yaml:"device_name"`
	EBSDelOnTermination    *bool  `yaml:"ebs_del_on_termination"`
	EBSIops                int32  `yaml:"ebs_Iops"`
	EBSVolumeSize          int32  `yaml:"ebs_VolumeSize"`
	EBSVolumeType          string `yaml:"ebs_VolumeType"`
	StartupScript          string `yaml:"startup_script"`
	PostStartupScript      string `yaml:"post_startup_script"`
	FMBenchCompleteTimeout int    `yaml:"fmbench_complete_timeout"`
}

type UploadFile struct {
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`
}

// InstanceSpec declares one instance to benchmark on. It is not modified once a deployment starts.
type InstanceSpec struct {
	EC2Settings `yaml:",inline"`

	Name                                string         `yaml:"name"`
	InstanceType                        string         `yaml:"instance_type"`
	FMBenchConfig                       []string       `yaml:"fmbench_config"`
	Deploy                              *bool          `yaml:"deploy"`
	PostStartupScriptParams             map[string]any `yaml:"post_startup_script_params"`
	UploadFiles                         []UploadFile   `yaml:"upload_files"`
	InstanceID                          string         `yaml:"instance_id"`
	PrivateKeyFname                     string         `yaml:"private_key_fname"`
	Username                            string         `yaml:"username"`
	CapacityReservationID               string         `yaml:"CapacityReservationId"`
	CapacityReservationPreference       string         `yaml:"CapacityReservationPreference"`
	CapacityReservationResourceGroupArn string         `yaml:"CapacityReservationResourceGroupArn"`

	// Index is the 1-based position in the config file.
	Index          int  `yaml:"-"`
	DeleteAfterUse bool `yaml:"-"`
}

func (s *InstanceSpec) ShouldDeploy() bool {
	return s.Deploy == nil || *s.Deploy
}

// Existing reports whether the spec targets an instance that is already running.
func (s *InstanceSpec) Existing() bool {
	return s.InstanceID != ""
}

func (s *InstanceSpec) IsNeuron() bool {
	for _, p := range neuronPrefixes {
		if strings.HasPrefix(s.InstanceType, p) {
			return true
		}
	}
	return false
}

func (s *InstanceSpec) CompleteTimeout() time.Duration {
	return time.Duration(s.FMBenchCompleteTimeout) * time.Second
}

// RemotePaths are the per-user locations used on an instance.
type RemotePaths struct {
	Home       string
	LogPath    string
	ScriptPath string
}

func PathsFor(username string) RemotePaths {
	home := path.Join("/home", username)
	return RemotePaths{
		Home:       home,
		LogPath:    path.Join(home, "fmbench.log"),
		ScriptPath: path.Join(home, "run_fmbench.sh"),
	}
}

// Duration accepts either a Go duration string ("90s") or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }
