package instanceprovisioner

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Octogonapus/FMBenchOrchestrator/config"
	"github.com/Octogonapus/FMBenchOrchestrator/target"
	"github.com/Octogonapus/FMBenchOrchestrator/util"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRunningTimeout     = 10 * time.Minute
	defaultHostLookupAttempts = 10
	defaultHostLookupInterval = 3 * time.Second
)

type EC2ProvisionerInput struct {
	AwsConfig aws.Config
	Config    *config.Config

	// ClientFor returns the EC2 client for a region. Defaults to a client built from AwsConfig.
	ClientFor func(region string) EC2API

	// RunningTimeout bounds the wait for a launched instance to reach the running state.
	RunningTimeout     time.Duration
	HostLookupAttempts int
	HostLookupInterval time.Duration
	Sleep              func(context.Context, time.Duration) error
}

type EC2Provisioner struct {
	input *EC2ProvisionerInput
	cfg   *config.Config

	mu      sync.Mutex
	clients map[string]EC2API
	groups  map[string]string // security group name -> id

	flight singleflight.Group
}

func NewEC2Provisioner(input *EC2ProvisionerInput) *EC2Provisioner {
	if input.ClientFor == nil {
		awsCfg := input.AwsConfig
		input.ClientFor = func(region string) EC2API {
			return ec2.NewFromConfig(awsCfg, func(o *ec2.Options) { o.Region = region })
		}
	}
	if input.RunningTimeout == 0 {
		input.RunningTimeout = defaultRunningTimeout
	}
	if input.HostLookupAttempts == 0 {
		input.HostLookupAttempts = defaultHostLookupAttempts
	}
	if input.HostLookupInterval == 0 {
		input.HostLookupInterval = defaultHostLookupInterval
	}
	if input.Sleep == nil {
		input.Sleep = util.Sleep
	}
	return &EC2Provisioner{
		input:   input,
		cfg:     input.Config,
		clients: map[string]EC2API{},
		groups:  map[string]string{},
	}
}

func (p *EC2Provisioner) client(region string) EC2API {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[region]
	if !ok {
		c = p.input.ClientFor(region)
		p.clients[region] = c
	}
	return c
}

func (p *EC2Provisioner) LaunchInstance(ctx context.Context, spec *config.InstanceSpec, in *LaunchInput) (string, error) {
	if spec.AmiID.ID == "" {
		return "", &ProvisionError{Op: "RunInstances", Region: spec.Region, Err: fmt.Errorf("no AMI resolved for %s", spec.AmiID)}
	}

	ebs := &ec2Types.EbsBlockDevice{
		VolumeSize:          aws.Int32(spec.EBSVolumeSize),
		VolumeType:          ec2Types.VolumeType(spec.EBSVolumeType),
		DeleteOnTermination: aws.Bool(spec.EBSDelOnTermination == nil || *spec.EBSDelOnTermination),
	}
	switch ebs.VolumeType {
	case ec2Types.VolumeTypeGp3, ec2Types.VolumeTypeIo1, ec2Types.VolumeTypeIo2:
		if spec.EBSIops > 0 {
			ebs.Iops = aws.Int32(spec.EBSIops)
		}
	}

	fmbenchVersion := p.cfg.FMBench.Version
	if fmbenchVersion == "" {
		fmbenchVersion = "default"
	}

	req := &ec2.RunInstancesInput{
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		ImageId:          aws.String(spec.AmiID.ID),
		InstanceType:     ec2Types.InstanceType(spec.InstanceType),
		KeyName:          aws.String(in.KeyName),
		SecurityGroupIds: []string{in.SecurityGroupID},
		UserData:         aws.String(base64.StdEncoding.EncodeToString([]byte(in.UserData))),
		BlockDeviceMappings: []ec2Types.BlockDeviceMapping{
			{
				DeviceName: aws.String(spec.DeviceName),
				Ebs:        ebs,
			},
		},
		TagSpecifications: []ec2Types.TagSpecification{{
			ResourceType: ec2Types.ResourceTypeInstance,
			Tags: []ec2Types.Tag{
				{Key: aws.String("Name"), Value: aws.String(spec.Name)},
				{Key: aws.String("fmbench-version"), Value: aws.String(fmbenchVersion)},
			},
		}},
	}
	if in.IAMInstanceProfileArn != "" {
		req.IamInstanceProfile = &ec2Types.IamInstanceProfileSpecification{Arn: aws.String(in.IAMInstanceProfileArn)}
	}
	switch {
	case spec.CapacityReservationID != "":
		req.CapacityReservationSpecification = &ec2Types.CapacityReservationSpecification{
			CapacityReservationTarget: &ec2Types.CapacityReservationTarget{
				CapacityReservationId: aws.String(spec.CapacityReservationID),
			},
		}
	case spec.CapacityReservationResourceGroupArn != "":
		req.CapacityReservationSpecification = &ec2Types.CapacityReservationSpecification{
			CapacityReservationTarget: &ec2Types.CapacityReservationTarget{
				CapacityReservationResourceGroupArn: aws.String(spec.CapacityReservationResourceGroupArn),
			},
		}
	case spec.CapacityReservationPreference != "":
		req.CapacityReservationSpecification = &ec2Types.CapacityReservationSpecification{
			CapacityReservationPreference: ec2Types.CapacityReservationPreference(spec.CapacityReservationPreference),
		}
	}

	resp, err := p.client(spec.Region).RunInstances(ctx, req)
	if err != nil {
		return "", &ProvisionError{Op: "RunInstances", Region: spec.Region, Err: err}
	}
	if len(resp.Instances) == 0 || resp.Instances[0].InstanceId == nil {
		return "", &ProvisionError{Op: "RunInstances", Region: spec.Region, Err: fmt.Errorf("no instance returned")}
	}
	id := *resp.Instances[0].InstanceId
	slog.Debug("launched instance",
		slog.String("instance", spec.Name),
		slog.String("instanceID", id),
		slog.String("instanceType", spec.InstanceType),
	)
	return id, nil
}

func (p *EC2Provisioner) TerminateInstance(ctx context.Context, spec *config.InstanceSpec, instanceID string) error {
	_, err := p.client(spec.Region).TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return &ProvisionError{Op: "TerminateInstances", Region: spec.Region, Err: err}
	}
	slog.Debug("terminated instance", slog.String("instance", spec.Name), slog.String("instanceID", instanceID))
	return nil
}

func (p *EC2Provisioner) ResolveConnection(ctx context.Context, spec *config.InstanceSpec, instanceID string) (*target.ConnectionHandle, error) {
	client := p.client(spec.Region)

	waiter := ec2.NewInstanceRunningWaiter(client)
	err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, p.input.RunningTimeout)
	if err != nil {
		return nil, &ProvisionError{Op: "wait for running", Region: spec.Region, Err: err}
	}

	var instance ec2Types.Instance
	host := ""
	for i := 0; i < p.input.HostLookupAttempts; i++ {
		resp, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
		if err != nil {
			return nil, &ProvisionError{Op: "DescribeInstances", Region: spec.Region, Err: err}
		}
		if len(resp.Reservations) == 0 || len(resp.Reservations[0].Instances) == 0 {
			return nil, &ProvisionError{Op: "DescribeInstances", Region: spec.Region, Err: fmt.Errorf("instance %s not found", instanceID)}
		}
		instance = resp.Reservations[0].Instances[0]
		host = aws.ToString(instance.PublicDnsName)
		if host == "" {
			host = aws.ToString(instance.PublicIpAddress)
		}
		if host != "" {
			break
		}
		slog.Debug("waiting for instance address", slog.String("instanceID", instanceID))
		if err := p.input.Sleep(ctx, p.input.HostLookupInterval); err != nil {
			return nil, err
		}
	}
	if host == "" {
		return nil, &ProvisionError{Op: "resolve address", Region: spec.Region, Err: fmt.Errorf("instance %s has no public address", instanceID)}
	}

	user := spec.Username
	if user == "" {
		user, err = p.inferUsername(ctx, client, aws.ToString(instance.ImageId))
		if err != nil {
			return nil, err
		}
	}

	name := spec.Name
	for _, tag := range instance.Tags {
		if aws.ToString(tag.Key) == "Name" && aws.ToString(tag.Value) != "" {
			name = aws.ToString(tag.Value)
		}
	}

	return &target.ConnectionHandle{
		InstanceID:   instanceID,
		InstanceName: name,
		Host:         host,
		Port:         22,
		User:         user,
	}, nil
}

// inferUsername picks the login user from the AMI name: ubuntu images log in as "ubuntu", everything else as "ec2-user".
func (p *EC2Provisioner) inferUsername(ctx context.Context, client EC2API, imageID string) (string, error) {
	if imageID == "" {
		return "ec2-user", nil
	}
	resp, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}})
	if err != nil {
		return "", &ProvisionError{Op: "DescribeImages", Err: err}
	}
	if len(resp.Images) > 0 {
		name := strings.ToLower(aws.ToString(resp.Images[0].Name) + " " + aws.ToString(resp.Images[0].Description))
		if strings.Contains(name, "ubuntu") {
			return "ubuntu", nil
		}
	}
	return "ec2-user", nil
}
