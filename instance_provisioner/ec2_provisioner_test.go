package instanceprovisioner

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Octogonapus/FMBenchOrchestrator/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type fakeEC2 struct {
	mu sync.Mutex

	groups          map[string]string
	createGroupErr  error
	createdGroups   int
	ingressPorts    []int32
	ingressErr      error
	keyPairs        map[string]bool
	keyMaterial     string
	deletedKeys     []string
	createdKeys     []string
	runInputs       []*ec2.RunInstancesInput
	runErr          error
	terminated      []string
	instance        ec2Types.Instance
	hostAfterCalls  int
	describeCalls   int
	imageName       string
	describedImages int
}

func newFakeEC2(t *testing.T) *fakeEC2 {
	return &fakeEC2{
		groups:      map[string]string{},
		keyPairs:    map[string]bool{},
		keyMaterial: testKeyPEM(t),
	}
}

func testKeyPEM(t *testing.T) string {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block))
}

func apiErr(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func (f *fakeEC2) CreateSecurityGroup(ctx context.Context, in *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdGroups++
	if f.createGroupErr != nil {
		return nil, f.createGroupErr
	}
	// Widen the window for concurrent callers.
	time.Sleep(10 * time.Millisecond)
	id := "sg-" + aws.ToString(in.GroupName)
	f.groups[aws.ToString(in.GroupName)] = id
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String(id)}, nil
}

func (f *fakeEC2) DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &ec2.DescribeSecurityGroupsOutput{}
	for _, filter := range in.Filters {
		if aws.ToString(filter.Name) != "group-name" {
			continue
		}
		for _, name := range filter.Values {
			if id, ok := f.groups[name]; ok {
				out.SecurityGroups = append(out.SecurityGroups, ec2Types.SecurityGroup{GroupId: aws.String(id), GroupName: aws.String(name)})
			}
		}
	}
	return out, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, perm := range in.IpPermissions {
		f.ingressPorts = append(f.ingressPorts, aws.ToInt32(perm.FromPort))
	}
	if f.ingressErr != nil {
		return nil, f.ingressErr
	}
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) DescribeKeyPairs(ctx context.Context, in *ec2.DescribeKeyPairsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &ec2.DescribeKeyPairsOutput{}
	for _, name := range in.KeyNames {
		if !f.keyPairs[name] {
			return nil, apiErr("InvalidKeyPair.NotFound")
		}
		out.KeyPairs = append(out.KeyPairs, ec2Types.KeyPairInfo{KeyName: aws.String(name)})
	}
	return out, nil
}

func (f *fakeEC2) CreateKeyPair(ctx context.Context, in *ec2.CreateKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.KeyName)
	if f.keyPairs[name] {
		return nil, apiErr("InvalidKeyPair.Duplicate")
	}
	f.keyPairs[name] = true
	f.createdKeys = append(f.createdKeys, name)
	return &ec2.CreateKeyPairOutput{
		KeyName:     in.KeyName,
		KeyPairId:   aws.String("key-123"),
		KeyMaterial: aws.String(f.keyMaterial),
	}, nil
}

func (f *fakeEC2) DeleteKeyPair(ctx context.Context, in *ec2.DeleteKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.KeyName)
	delete(f.keyPairs, name)
	f.deletedKeys = append(f.deletedKeys, name)
	return &ec2.DeleteKeyPairOutput{}, nil
}

func (f *fakeEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runInputs = append(f.runInputs, in)
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &ec2.RunInstancesOutput{Instances: []ec2Types.Instance{{InstanceId: aws.String("i-0abc")}}}, nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, in.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeCalls++
	inst := f.instance
	if f.describeCalls <= f.hostAfterCalls {
		inst.PublicDnsName = nil
		inst.PublicIpAddress = nil
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2Types.Reservation{{Instances: []ec2Types.Instance{inst}}},
	}, nil
}

func (f *fakeEC2) DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describedImages++
	return &ec2.DescribeImagesOutput{Images: []ec2Types.Image{{ImageId: aws.String(in.ImageIds[0]), Name: aws.String(f.imageName)}}}, nil
}

func newTestProvisioner(t *testing.T, fake *fakeEC2) (*EC2Provisioner, *config.Config) {
	cfg := config.Default()
	cfg.KeyPair.KeyDir = filepath.Join(t.TempDir(), "key_pair")
	p := NewEC2Provisioner(&EC2ProvisionerInput{
		Config:    cfg,
		ClientFor: func(region string) EC2API { return fake },
		Sleep:     func(context.Context, time.Duration) error { return nil },
	})
	return p, cfg
}

func testSpec() *config.InstanceSpec {
	return &config.InstanceSpec{
		EC2Settings: config.EC2Settings{
			Region:        "us-east-1",
			AmiID:         config.AMIRef{ID: "ami-0123"},
			DeviceName:    config.DefaultDeviceName,
			EBSIops:       config.DefaultEBSIops,
			EBSVolumeSize: config.DefaultEBSVolumeSize,
			EBSVolumeType: config.DefaultEBSVolumeType,
		},
		Name:         "FMBench-g5.xlarge-1",
		InstanceType: "g5.xlarge",
		Index:        1,
	}
}

func TestEnsureNetworkAccessSharedAcrossCallers(t *testing.T) {
	fake := newFakeEC2(t)
	p, _ := newTestProvisioner(t, fake)

	ids := make([]string, 8)
	wg := sync.WaitGroup{}
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := p.EnsureNetworkAccess(context.Background(), testSpec())
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, "sg-fmbench_orchestrator_sg-us-east-1", id)
	}
	assert.Equal(t, 1, fake.createdGroups)
	assert.ElementsMatch(t, []int32{22, 80}, fake.ingressPorts)
}

func TestEnsureNetworkAccessDuplicateGroup(t *testing.T) {
	fake := newFakeEC2(t)
	fake.groups["fmbench_orchestrator_sg-us-east-1"] = "sg-existing"
	fake.createGroupErr = apiErr("InvalidGroup.Duplicate")
	fake.ingressErr = apiErr("InvalidPermission.Duplicate")
	p, _ := newTestProvisioner(t, fake)

	id, err := p.EnsureNetworkAccess(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, "sg-existing", id)
}

func TestEnsureNetworkAccessCreationDisabled(t *testing.T) {
	fake := newFakeEC2(t)
	p, cfg := newTestProvisioner(t, fake)
	cfg.RunSteps.SecurityGroupCreation = false

	_, err := p.EnsureNetworkAccess(context.Background(), testSpec())
	var pe *ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, fake.createdGroups)

	fake.groups["fmbench_orchestrator_sg-us-east-1"] = "sg-manual"
	id, err := p.EnsureNetworkAccess(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, "sg-manual", id)
}

func TestEnsureNetworkAccessIngressFailure(t *testing.T) {
	fake := newFakeEC2(t)
	fake.ingressErr = apiErr("UnauthorizedOperation")
	p, _ := newTestProvisioner(t, fake)

	_, err := p.EnsureNetworkAccess(context.Background(), testSpec())
	var pe *ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "AuthorizeSecurityGroupIngress", pe.Op)
}

func TestEnsureKeyMaterialCreatesKey(t *testing.T) {
	fake := newFakeEC2(t)
	fake.keyPairs["fmbench_orchestrator_key_pair_us-east-1"] = true
	p, cfg := newTestProvisioner(t, fake)

	km, err := p.EnsureKeyMaterial(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, "fmbench_orchestrator_key_pair_us-east-1", km.Name)
	assert.Equal(t, filepath.Join(cfg.KeyPair.KeyDir, "fmbench_orchestrator_key_pair_us-east-1.pem"), km.Path)
	assert.Equal(t, []string{km.Name}, fake.deletedKeys)
	assert.Equal(t, []string{km.Name}, fake.createdKeys)

	info, err := os.Stat(km.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o400), info.Mode().Perm())

	// A second call reuses the key on disk.
	again, err := p.EnsureKeyMaterial(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, km.Path, again.Path)
	assert.Len(t, fake.createdKeys, 1)
}

func TestEnsureKeyMaterialSharedAcrossCallers(t *testing.T) {
	fake := newFakeEC2(t)
	p, cfg := newTestProvisioner(t, fake)

	paths := make([]string, 8)
	wg := sync.WaitGroup{}
	for i := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km, err := p.EnsureKeyMaterial(context.Background(), testSpec())
			if assert.NoError(t, err) {
				paths[i] = km.Path
			}
		}()
	}
	wg.Wait()

	want := filepath.Join(cfg.KeyPair.KeyDir, "fmbench_orchestrator_key_pair_us-east-1.pem")
	for _, path := range paths {
		assert.Equal(t, want, path)
	}
	assert.Equal(t, []string{"fmbench_orchestrator_key_pair_us-east-1"}, fake.createdKeys)
	assert.Empty(t, fake.deletedKeys)

	entries, err := os.ReadDir(cfg.KeyPair.KeyDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	info, err := os.Stat(want)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o400), info.Mode().Perm())
}

func TestEnsureKeyMaterialMismatch(t *testing.T) {
	fake := newFakeEC2(t)
	p, cfg := newTestProvisioner(t, fake)
	require.NoError(t, os.MkdirAll(cfg.KeyPair.KeyDir, 0o700))
	path := filepath.Join(cfg.KeyPair.KeyDir, "fmbench_orchestrator_key_pair_us-east-1.pem")
	require.NoError(t, os.WriteFile(path, []byte(fake.keyMaterial), 0o400))

	_, err := p.EnsureKeyMaterial(context.Background(), testSpec())
	var pe *ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "no matching key pair")
	assert.Empty(t, fake.createdKeys)
}

func TestEnsureKeyMaterialGenerationDisabled(t *testing.T) {
	fake := newFakeEC2(t)
	p, cfg := newTestProvisioner(t, fake)
	cfg.RunSteps.KeyPairGeneration = false

	_, err := p.EnsureKeyMaterial(context.Background(), testSpec())
	var pe *ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Empty(t, fake.createdKeys)
}

func TestLaunchInstance(t *testing.T) {
	fake := newFakeEC2(t)
	p, cfg := newTestProvisioner(t, fake)
	cfg.FMBench.Version = "2.0.6"
	spec := testSpec()
	spec.CapacityReservationID = "cr-0abc"

	id, err := p.LaunchInstance(context.Background(), spec, &LaunchInput{
		SecurityGroupID:       "sg-1",
		KeyName:               "key",
		IAMInstanceProfileArn: "arn:aws:iam::123:instance-profile/role",
		UserData:              "#!/bin/bash\necho hi\n",
	})
	require.NoError(t, err)
	assert.Equal(t, "i-0abc", id)

	require.Len(t, fake.runInputs, 1)
	in := fake.runInputs[0]
	userData, err := base64.StdEncoding.DecodeString(aws.ToString(in.UserData))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/bash\necho hi\n", string(userData))
	assert.Equal(t, "ami-0123", aws.ToString(in.ImageId))
	assert.Equal(t, ec2Types.InstanceType("g5.xlarge"), in.InstanceType)
	assert.Equal(t, []string{"sg-1"}, in.SecurityGroupIds)
	assert.Equal(t, "arn:aws:iam::123:instance-profile/role", aws.ToString(in.IamInstanceProfile.Arn))
	assert.Equal(t, "cr-0abc", aws.ToString(in.CapacityReservationSpecification.CapacityReservationTarget.CapacityReservationId))
	assert.Equal(t, int32(16000), aws.ToInt32(in.BlockDeviceMappings[0].Ebs.Iops))
	assert.Equal(t, int32(250), aws.ToInt32(in.BlockDeviceMappings[0].Ebs.VolumeSize))

	tags := map[string]string{}
	for _, tag := range in.TagSpecifications[0].Tags {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	assert.Equal(t, map[string]string{"Name": "FMBench-g5.xlarge-1", "fmbench-version": "2.0.6"}, tags)
}

func TestLaunchInstanceFailureIsNotRetried(t *testing.T) {
	fake := newFakeEC2(t)
	fake.runErr = apiErr("InsufficientInstanceCapacity")
	p, _ := newTestProvisioner(t, fake)

	_, err := p.LaunchInstance(context.Background(), testSpec(), &LaunchInput{SecurityGroupID: "sg-1", KeyName: "key"})
	var pe *ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "InsufficientInstanceCapacity", apiErrorCode(err))
	assert.Len(t, fake.runInputs, 1)
}

func TestTerminateInstance(t *testing.T) {
	fake := newFakeEC2(t)
	p, _ := newTestProvisioner(t, fake)

	require.NoError(t, p.TerminateInstance(context.Background(), testSpec(), "i-0abc"))
	assert.Equal(t, []string{"i-0abc"}, fake.terminated)
}

func runningInstance() ec2Types.Instance {
	return ec2Types.Instance{
		InstanceId:    aws.String("i-0abc"),
		ImageId:       aws.String("ami-0123"),
		State:         &ec2Types.InstanceState{Name: ec2Types.InstanceStateNameRunning},
		PublicDnsName: aws.String("ec2-1-2-3-4.compute-1.amazonaws.com"),
		Tags:          []ec2Types.Tag{{Key: aws.String("Name"), Value: aws.String("tagged-name")}},
	}
}

func TestResolveConnection(t *testing.T) {
	fake := newFakeEC2(t)
	fake.instance = runningInstance()
	fake.imageName = "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server"
	fake.hostAfterCalls = 2
	p, _ := newTestProvisioner(t, fake)

	h, err := p.ResolveConnection(context.Background(), testSpec(), "i-0abc")
	require.NoError(t, err)
	assert.Equal(t, "ec2-1-2-3-4.compute-1.amazonaws.com", h.Host)
	assert.Equal(t, "ubuntu", h.User)
	assert.Equal(t, "tagged-name", h.InstanceName)
	assert.Equal(t, "i-0abc", h.InstanceID)
	assert.Equal(t, 22, h.Port)
}

func TestResolveConnectionUsernameOverride(t *testing.T) {
	fake := newFakeEC2(t)
	fake.instance = runningInstance()
	fake.instance.PublicDnsName = nil
	fake.instance.PublicIpAddress = aws.String("1.2.3.4")
	p, _ := newTestProvisioner(t, fake)
	spec := testSpec()
	spec.Username = "admin"

	h, err := p.ResolveConnection(context.Background(), spec, "i-0abc")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", h.Host)
	assert.Equal(t, "admin", h.User)
	assert.Equal(t, 0, fake.describedImages)
}

func TestResolveConnectionNonUbuntuImage(t *testing.T) {
	fake := newFakeEC2(t)
	fake.instance = runningInstance()
	fake.imageName = "Deep Learning AMI GPU PyTorch 2.2 (Amazon Linux 2)"
	p, _ := newTestProvisioner(t, fake)

	h, err := p.ResolveConnection(context.Background(), testSpec(), "i-0abc")
	require.NoError(t, err)
	assert.Equal(t, "ec2-user", h.User)
}

func TestResolveConnectionNoAddress(t *testing.T) {
	fake := newFakeEC2(t)
	fake.instance = runningInstance()
	fake.hostAfterCalls = 1000
	p, _ := newTestProvisioner(t, fake)

	_, err := p.ResolveConnection(context.Background(), testSpec(), "i-0abc")
	var pe *ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "no public address")
}
