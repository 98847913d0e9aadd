package instanceprovisioner

import (
	"context"

	"github.com/Octogonapus/FMBenchOrchestrator/config"
	"github.com/Octogonapus/FMBenchOrchestrator/target"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// KeyMaterial names a key pair and the local private key file that unlocks it.
type KeyMaterial struct {
	Name string
	Path string
}

type LaunchInput struct {
	SecurityGroupID string
	KeyName         string
	// IAMInstanceProfileArn is attached to the instance when non-empty.
	IAMInstanceProfileArn string
	UserData              string
}

// Provisions and tears down instances on a cloud provider.
type Provisioner interface {
	// Ensures the security group for the spec's region exists and allows SSH. Concurrent callers for the
	// same region share one creation.
	EnsureNetworkAccess(ctx context.Context, spec *config.InstanceSpec) (string, error)

	// Ensures a key pair for the spec's region exists and its private key is on local disk.
	EnsureKeyMaterial(ctx context.Context, spec *config.InstanceSpec) (*KeyMaterial, error)

	// Requests a single instance and returns its id. It does not retry.
	LaunchInstance(ctx context.Context, spec *config.InstanceSpec, in *LaunchInput) (string, error)

	TerminateInstance(ctx context.Context, spec *config.InstanceSpec, instanceID string) error

	// Waits for the instance to be running and returns how to reach it. KeyPath is left to the caller.
	ResolveConnection(ctx context.Context, spec *config.InstanceSpec, instanceID string) (*target.ConnectionHandle, error)
}

// EC2API is the subset of the EC2 client the provisioner uses.
type EC2API interface {
	ec2.DescribeInstancesAPIClient
	CreateSecurityGroup(ctx context.Context, in *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DescribeKeyPairs(ctx context.Context, in *ec2.DescribeKeyPairsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error)
	CreateKeyPair(ctx context.Context, in *ec2.CreateKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error)
	DeleteKeyPair(ctx context.Context, in *ec2.DeleteKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
}
