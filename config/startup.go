package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hashicorp/go-version"
)

// ParseFMBenchVersion validates a pinned fmbench version. The version must not have a v prefix.
func ParseFMBenchVersion(v string) (*version.Version, error) {
	if strings.HasPrefix(v, "v") {
		return nil, fmt.Errorf("fmbench version string must not have a v prefix")
	}
	parsed, err := version.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("can't parse fmbench version: %w", err)
	}
	if len(parsed.Segments()) < 2 {
		return nil, fmt.Errorf("fmbench version %q needs at least major.minor", v)
	}
	return parsed, nil
}

// FMBenchSource returns the latest flag and repository substituted into startup scripts. A repository
// implies latest, and latest without a repository uses the upstream one.
func (c *Config) FMBenchSource() (bool, string) {
	latest, repo := c.FMBench.Latest, c.FMBench.Repo
	switch {
	case repo != "":
		latest = true
	case latest:
		repo = FMBenchGHRepo
	}
	return latest, repo
}

// RenderStartupScript reads the spec's startup script and fills in its placeholders. The result is
// used as user data for fresh instances and run over SSH on existing ones.
func (c *Config) RenderStartupScript(spec *InstanceSpec) (string, error) {
	buf, err := os.ReadFile(spec.StartupScript)
	if err != nil {
		return "", fmt.Errorf("read startup script: %w", err)
	}

	latest, repo := c.FMBenchSource()
	repoValue := repo
	if repoValue == "" {
		repoValue = "None"
	}
	versionValue := c.FMBench.Version
	if versionValue == "" {
		versionValue = "None"
	}

	script := strings.NewReplacer(
		"__HF_TOKEN__", c.HFToken,
		"__neuron__", pyBool(spec.IsNeuron()),
		"__fmbench_latest__", pyBool(latest),
		"__fmbench_repo__", repoValue,
		"__fmbench_version__", versionValue,
	).Replace(string(buf))

	slog.Debug("rendered startup script",
		slog.String("instance", spec.Name),
		slog.Bool("neuron", spec.IsNeuron()),
		slog.Bool("fmbenchLatest", latest),
		slog.String("fmbenchRepo", repo),
	)
	return script, nil
}

// The startup scripts compare against Python-style booleans.
func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
