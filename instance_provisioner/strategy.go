package instanceprovisioner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Octogonapus/FMBenchOrchestrator/config"
	"github.com/Octogonapus/FMBenchOrchestrator/target"
)

// Instance is a provisioned instance whose startup script has been started.
type Instance struct {
	ID     string
	Handle *target.ConnectionHandle
	// Launched is true when this run created the instance.
	Launched bool
}

// A Strategy readies an instance for a deployment.
type Strategy interface {
	// Acquire provisions the instance and starts its startup script. When it fails after the instance id is
	// known, the returned Instance carries that id so the caller can tear it down.
	Acquire(ctx context.Context, spec *config.InstanceSpec, roleArn string) (*Instance, error)

	// StartupLogPath is where the startup script's output appears on the instance.
	StartupLogPath() string
}

// NewStrategy picks ExistingInstance for specs with an instance id and FreshLaunch for the rest.
func NewStrategy(cfg *config.Config, spec *config.InstanceSpec, p Provisioner, d target.Dialer) Strategy {
	if spec.Existing() {
		return &ExistingInstance{Config: cfg, Provisioner: p, Dialer: d}
	}
	return &FreshLaunch{Config: cfg, Provisioner: p}
}

// FreshLaunch requests a new instance with the rendered startup script as user data.
type FreshLaunch struct {
	Config      *config.Config
	Provisioner Provisioner
}

func (s *FreshLaunch) StartupLogPath() string { return config.CloudInitLogPath }

func (s *FreshLaunch) Acquire(ctx context.Context, spec *config.InstanceSpec, roleArn string) (*Instance, error) {
	sgID, err := s.Provisioner.EnsureNetworkAccess(ctx, spec)
	if err != nil {
		return nil, err
	}
	km, err := s.Provisioner.EnsureKeyMaterial(ctx, spec)
	if err != nil {
		return nil, err
	}
	userData, err := s.Config.RenderStartupScript(spec)
	if err != nil {
		return nil, &ProvisionError{Op: "render startup script", Region: spec.Region, Err: err}
	}

	id, err := s.Provisioner.LaunchInstance(ctx, spec, &LaunchInput{
		SecurityGroupID:       sgID,
		KeyName:               km.Name,
		IAMInstanceProfileArn: roleArn,
		UserData:              userData,
	})
	if err != nil {
		return nil, err
	}
	inst := &Instance{ID: id, Launched: true}

	h, err := s.Provisioner.ResolveConnection(ctx, spec, id)
	if err != nil {
		return inst, err
	}
	h.KeyPath = km.Path
	inst.Handle = h
	return inst, nil
}

// ExistingInstance reconfigures an instance that is already running by uploading the startup script and
// running it detached with elevated privileges.
type ExistingInstance struct {
	Config      *config.Config
	Provisioner Provisioner
	Dialer      target.Dialer
}

func (s *ExistingInstance) StartupLogPath() string { return config.ExistingStartupLogPath }

func (s *ExistingInstance) Acquire(ctx context.Context, spec *config.InstanceSpec, roleArn string) (*Instance, error) {
	inst := &Instance{ID: spec.InstanceID}

	h, err := s.Provisioner.ResolveConnection(ctx, spec, spec.InstanceID)
	if err != nil {
		return inst, err
	}
	h.KeyPath = spec.PrivateKeyFname
	inst.Handle = h

	script, err := s.Config.RenderStartupScript(spec)
	if err != nil {
		return inst, &ProvisionError{Op: "render startup script", Region: spec.Region, Err: err}
	}

	err = target.WithSession(ctx, s.Dialer, h, func(t target.Target) error {
		out, err := t.RunScriptDetached(ctx, &target.DetachedScript{
			Content:    script,
			RemotePath: config.ExistingStartupScript,
			LogPath:    config.ExistingStartupLogPath,
			Sudo:       true,
		})
		if err != nil {
			return err
		}
		if !strings.Contains(out, target.LaunchAck) {
			return &target.ExecutionError{Command: config.ExistingStartupScript, Err: fmt.Errorf("launch not acknowledged")}
		}
		return nil
	})
	if err != nil {
		return inst, err
	}
	slog.Info("started startup script on existing instance",
		slog.String("instance", spec.Name),
		slog.String("instanceID", spec.InstanceID),
	)
	return inst, nil
}
