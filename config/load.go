package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type LoadOptions struct {
	// AMIMappingPath points at a YAML file of region -> AMI type -> AMI id.
	AMIMappingPath string
	// ConfigFile fills {{config_file}}.
	ConfigFile  string
	WriteBucket string
	// DetectedRegion is the region of the AWS SDK config, used when neither the instance, defaults
	// nor the aws section name one.
	DetectedRegion string
}

var (
	instanceTypePattern = regexp.MustCompile(`^[a-z0-9-]+\.[a-z0-9-]+$`)
	regionPattern       = regexp.MustCompile(`^[a-z]{2}(-[a-z]+)+-\d$`)
	instanceIDPattern   = regexp.MustCompile(`^i-[a-f0-9]+$`)
	reservationPattern  = regexp.MustCompile(`^cr-[a-f0-9]+$`)
)

// Default returns a Config holding every default. Load decodes the file on top of it.
func Default() *Config {
	return &Config{
		RunSteps: RunSteps{
			SecurityGroupCreation: true,
			KeyPairGeneration:     true,
			DeployEC2Instance:     true,
			DeleteEC2Instance:     true,
		},
		SecurityGroup: SecurityGroup{
			GroupName:   "fmbench_orchestrator_sg",
			Description: "MultiDeploy EC2 Security Group",
			AppPort:     80,
		},
		KeyPair: KeyPair{
			KeyPairName: "fmbench_orchestrator_key_pair",
			KeyDir:      "key_pair",
		},
		Defaults: EC2Settings{
			DeviceName:             DefaultDeviceName,
			EBSIops:                DefaultEBSIops,
			EBSVolumeSize:          DefaultEBSVolumeSize,
			EBSVolumeType:          DefaultEBSVolumeType,
			StartupScript:          "startup_scripts/ubuntu_startup.txt",
			PostStartupScript:      "post_startup_scripts/fmbench.txt",
			FMBenchCompleteTimeout: 2400,
		},
		Orchestrator: Orchestrator{
			StartupTimeout: Duration(1500 * time.Second),
			PollInterval:   Duration(60 * time.Second),
			MaxRetries:     2,
			RetryCooldown:  Duration(60 * time.Second),
			LaunchAckWait:  Duration(2 * time.Second),
			SSHTimeout:     Duration(30 * time.Second),
			ResultsDir:     "results",
			DownloadDir:    "downloaded_configs",
			ResultsPrefix:  "fmbench-orchestrator",
		},
	}
}

// Load reads, renders, decodes, completes and validates a config file.
func Load(path string, opts *LoadOptions) (*Config, error) {
	if opts == nil {
		opts = &LoadOptions{}
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	rendered, err := Render(string(buf), TemplateVars{
		Region:      opts.DetectedRegion,
		ConfigFile:  opts.ConfigFile,
		WriteBucket: opts.WriteBucket,
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("rendered config", slog.String("path", path), slog.String("yaml", string(rendered)))

	cfg, err := Parse(rendered)
	if err != nil {
		return nil, err
	}
	if opts.WriteBucket != "" {
		cfg.Orchestrator.WriteBucket = opts.WriteBucket
	}

	cfg.ApplyDefaults(opts.DetectedRegion)

	if opts.AMIMappingPath != "" {
		mapping, err := LoadAMIMapping(opts.AMIMappingPath)
		if err != nil {
			return nil, err
		}
		err = cfg.ResolveAMIs(mapping)
		if err != nil {
			return nil, err
		}
	}

	err = cfg.loadHFToken()
	if err != nil {
		return nil, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes rendered YAML over the defaults. Unknown fields are rejected.
func Parse(rendered []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(rendered))
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills every unset instance setting. Region precedence is instance, defaults,
// aws.region, then the detected region.
func (c *Config) ApplyDefaults(detectedRegion string) {
	d := c.Defaults
	for i, inst := range c.Instances {
		inst.Index = i + 1
		inst.DeleteAfterUse = c.RunSteps.DeleteEC2Instance

		inst.Region = firstNonEmpty(inst.Region, d.Region, c.AWS.Region, detectedRegion)
		if inst.AmiID.IsZero() {
			inst.AmiID = d.AmiID
		}
		inst.DeviceName = firstNonEmpty(inst.DeviceName, d.DeviceName, DefaultDeviceName)
		inst.EBSVolumeType = firstNonEmpty(inst.EBSVolumeType, d.EBSVolumeType, DefaultEBSVolumeType)
		inst.StartupScript = firstNonEmpty(inst.StartupScript, d.StartupScript)
		inst.PostStartupScript = firstNonEmpty(inst.PostStartupScript, d.PostStartupScript)
		if inst.EBSIops == 0 {
			inst.EBSIops = d.EBSIops
		}
		if inst.EBSVolumeSize == 0 {
			inst.EBSVolumeSize = d.EBSVolumeSize
		}
		if inst.FMBenchCompleteTimeout == 0 {
			inst.FMBenchCompleteTimeout = d.FMBenchCompleteTimeout
		}
		if inst.EBSDelOnTermination == nil {
			del := true
			if d.EBSDelOnTermination != nil {
				del = *d.EBSDelOnTermination
			}
			inst.EBSDelOnTermination = &del
		}
		if inst.CapacityReservationPreference == "" {
			inst.CapacityReservationPreference = "none"
		}
		if inst.Name == "" {
			if inst.Existing() {
				inst.Name = inst.InstanceID
			} else {
				inst.Name = fmt.Sprintf("FMBench-%s-%d", inst.InstanceType, inst.Index)
			}
		}
	}
}

// AMIMapping maps region -> AMI type -> AMI id.
type AMIMapping map[string]map[string]string

func LoadAMIMapping(path string) (AMIMapping, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read AMI mapping: %w", err)
	}
	m := AMIMapping{}
	err = yaml.Unmarshal(buf, &m)
	if err != nil {
		return nil, fmt.Errorf("decode AMI mapping: %w", err)
	}
	return m, nil
}

// ResolveAMIs replaces AMI type references with the id for the instance's region.
func (c *Config) ResolveAMIs(m AMIMapping) error {
	for _, inst := range c.Instances {
		if inst.AmiID.ID != "" || inst.AmiID.Type == "" {
			continue
		}
		id := m[inst.Region][inst.AmiID.Type]
		if id == "" {
			return invalid("ami_id", "instance %s: no %s AMI mapped for region %q", inst.Name, inst.AmiID.Type, inst.Region)
		}
		slog.Debug("resolved AMI", slog.String("instance", inst.Name), slog.String("type", inst.AmiID.Type), slog.String("ami", id))
		inst.AmiID.ID = id
	}
	return nil
}

func (c *Config) loadHFToken() error {
	if c.AWS.HFTokenFpath != "" {
		buf, err := os.ReadFile(c.AWS.HFTokenFpath)
		if err != nil {
			return invalid("aws.hf_token_fpath", "read token file: %w", err)
		}
		c.HFToken = strings.TrimSpace(string(buf))
	} else {
		c.HFToken = strings.TrimSpace(os.Getenv("HF_TOKEN"))
	}
	if len(c.HFToken) <= 4 {
		return invalid("aws.hf_token_fpath", "HuggingFace token is missing, too small or invalid")
	}
	return nil
}

// Validate checks the completed config. Every problem found is reported.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) { errs = append(errs, err) }

	if strings.TrimSpace(c.General.Name) == "" {
		add(invalid("general.name", "must not be empty"))
	}
	if len(c.Instances) == 0 {
		add(invalid("instances", "at least one instance is required"))
	}
	if c.SecurityGroup.GroupName == "" {
		add(invalid("security_group.group_name", "must not be empty"))
	}
	if c.KeyPair.KeyPairName == "" {
		add(invalid("key_pair_gen.key_pair_name", "must not be empty"))
	}

	o := c.Orchestrator
	if o.Concurrency < 0 {
		add(invalid("orchestrator.concurrency", "must not be negative"))
	}
	if o.MaxRetries < 0 {
		add(invalid("orchestrator.max_retries", "must not be negative"))
	}
	if o.PollInterval <= 0 || o.StartupTimeout <= 0 {
		add(invalid("orchestrator", "poll_interval and startup_timeout must be positive"))
	}
	if c.FMBench.Version != "" {
		if _, err := ParseFMBenchVersion(c.FMBench.Version); err != nil {
			add(&ConfigurationError{Field: "fmbench.version", Err: err})
		}
	}

	seen := map[string]bool{}
	for _, inst := range c.Instances {
		if seen[inst.Name] {
			add(invalid("instances", "duplicate instance name %q", inst.Name))
		}
		seen[inst.Name] = true
		errs = append(errs, c.validateInstance(inst)...)
	}

	return errors.Join(errs...)
}

func (c *Config) validateInstance(inst *InstanceSpec) []error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, invalid(fmt.Sprintf("instances[%d].%s", inst.Index, field), format, args...))
	}

	if !instanceTypePattern.MatchString(inst.InstanceType) {
		add("instance_type", "%q is not an instance type", inst.InstanceType)
	}
	if !regionPattern.MatchString(inst.Region) {
		add("region", "%q is not a region", inst.Region)
	}
	if inst.Existing() {
		if !instanceIDPattern.MatchString(inst.InstanceID) {
			add("instance_id", "%q is not an instance id", inst.InstanceID)
		}
		if !fileExists(inst.PrivateKeyFname) {
			add("private_key_fname", "key file %q not found", inst.PrivateKeyFname)
		}
	} else if inst.ShouldDeploy() && !strings.HasPrefix(inst.AmiID.ID, "ami-") {
		add("ami_id", "%q must start with ami- (is the AMI mapping file missing?)", inst.AmiID.String())
	}
	if inst.CapacityReservationID != "" && !reservationPattern.MatchString(inst.CapacityReservationID) {
		add("CapacityReservationId", "%q is not a capacity reservation id", inst.CapacityReservationID)
	}
	switch inst.CapacityReservationPreference {
	case "none", "open":
	default:
		add("CapacityReservationPreference", "must be none or open")
	}
	if inst.EBSVolumeSize < 8 || inst.EBSVolumeSize > 16384 {
		add("ebs_VolumeSize", "%d is outside [8, 16384]", inst.EBSVolumeSize)
	}
	if inst.FMBenchCompleteTimeout < 60 || inst.FMBenchCompleteTimeout > 86400 {
		add("fmbench_complete_timeout", "%d is outside [60, 86400]", inst.FMBenchCompleteTimeout)
	}

	if len(inst.FMBenchConfig) == 0 {
		add("fmbench_config", "at least one config is required")
	}
	for _, ref := range inst.FMBenchConfig {
		switch {
		case strings.TrimSpace(ref) == "" || ref == "None":
			add("fmbench_config", "config reference must not be empty")
		case isRemoteRef(ref):
		case !fileExists(ref):
			add("fmbench_config", "config file %q not found", ref)
		}
	}

	if _, err := MergeScriptParams(DefaultScriptParams(""), inst.PostStartupScriptParams); err != nil {
		errs = append(errs, err)
	}
	if inst.ShouldDeploy() {
		for _, script := range []string{inst.StartupScript, inst.PostStartupScript} {
			if !fileExists(script) {
				add("scripts", "script file %q not found", script)
			}
		}
	}
	for _, f := range inst.UploadFiles {
		if !fileExists(f.Local) {
			add("upload_files", "local file %q does not exist", f.Local)
		}
		if f.Remote == "" {
			add("upload_files", "remote path for %q is empty", f.Local)
		}
	}
	return errs
}

func isRemoteRef(ref string) bool {
	if strings.HasPrefix(ref, FMBenchConfigPrefix) {
		return true
	}
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "s3":
		return true
	}
	return false
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	_, err := os.Stat(p)
	return err == nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
