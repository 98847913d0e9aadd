package instanceprovisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Octogonapus/FMBenchOrchestrator/util"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

const (
	RoleArnEnv = "FMBENCH_ROLE_ARN"

	DefaultRoleName            = "fmbench-orchestrator-role"
	DefaultInstanceProfileName = "fmbench-orchestrator-instance-profile"
)

var instanceManagedPolicies = []string{
	"arn:aws:iam::aws:policy/AmazonSageMakerFullAccess",
	"arn:aws:iam::aws:policy/AmazonS3FullAccess",
	"arn:aws:iam::aws:policy/AWSCloudFormationReadOnlyAccess",
	"arn:aws:iam::aws:policy/AmazonBedrockFullAccess",
}

type PolicyDocument struct {
	Version   string
	Statement []StatementEntry
}

type StatementEntry struct {
	Effect    string
	Action    []string
	Principal map[string][]string `json:",omitempty"`
	Resource  []string            `json:",omitempty"`
}

type STSAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type IAMAPI interface {
	CreateRole(ctx context.Context, in *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	AttachRolePolicy(ctx context.Context, in *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	CreateInstanceProfile(ctx context.Context, in *iam.CreateInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error)
	GetInstanceProfile(ctx context.Context, in *iam.GetInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error)
	AddRoleToInstanceProfile(ctx context.Context, in *iam.AddRoleToInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error)
}

// IdentityResolver finds the instance profile that launched instances run as.
type IdentityResolver struct {
	STS STSAPI
	IAM IAMAPI

	// CreateRole creates a dedicated role and instance profile instead of reusing the caller's role.
	CreateRole          bool
	RoleName            string
	InstanceProfileName string

	Getenv func(string) string
	Sleep  func(context.Context, time.Duration) error
}

func NewIdentityResolver(awsCfg aws.Config, createRole bool) *IdentityResolver {
	return &IdentityResolver{
		STS:        sts.NewFromConfig(awsCfg),
		IAM:        iam.NewFromConfig(awsCfg),
		CreateRole: createRole,
	}
}

// ResolveRoleArn returns the instance profile ARN to attach to launched instances.
func (r *IdentityResolver) ResolveRoleArn(ctx context.Context) (string, error) {
	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if arn := getenv(RoleArnEnv); arn != "" {
		slog.Info("using role from environment", slog.String("arn", arn))
		return arn, nil
	}

	if r.CreateRole {
		return r.ensureInstanceProfile(ctx)
	}

	caller, err := r.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", &ProvisionError{Op: "GetCallerIdentity", Err: err}
	}
	arn := InstanceProfileArn(aws.ToString(caller.Arn), aws.ToString(caller.Account))
	slog.Info("resolved caller identity", slog.String("arn", arn))
	return arn, nil
}

// InstanceProfileArn maps an assumed-role session ARN onto the instance profile of the same name. Other ARNs are
// returned unchanged.
func InstanceProfileArn(callerArn, account string) string {
	if !strings.Contains(callerArn, ":assumed-role/") {
		return callerArn
	}
	parts := strings.Split(callerArn, "/")
	if len(parts) < 3 {
		return callerArn
	}
	if account == "" {
		fields := strings.Split(callerArn, ":")
		if len(fields) > 4 {
			account = fields[4]
		}
	}
	return fmt.Sprintf("arn:aws:iam::%s:instance-profile/%s", account, parts[len(parts)-2])
}

func (r *IdentityResolver) ensureInstanceProfile(ctx context.Context) (string, error) {
	roleName := r.RoleName
	if roleName == "" {
		roleName = DefaultRoleName
	}
	profileName := r.InstanceProfileName
	if profileName == "" {
		profileName = DefaultInstanceProfileName
	}

	assumePolicy := PolicyDocument{
		Version: "2012-10-17",
		Statement: []StatementEntry{{
			Effect:    "Allow",
			Action:    []string{"sts:AssumeRole"},
			Principal: map[string][]string{"Service": {"ec2.amazonaws.com"}},
		}},
	}
	assumePolicyDoc, err := json.Marshal(assumePolicy)
	if err != nil {
		return "", err
	}
	_, err = r.IAM.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(roleName),
		AssumeRolePolicyDocument: aws.String(string(assumePolicyDoc)),
		MaxSessionDuration:       aws.Int32(int32((12 * time.Hour).Seconds())),
	})
	if err != nil && apiErrorCode(err) != "EntityAlreadyExists" {
		return "", &ProvisionError{Op: "CreateRole", Err: err}
	}

	for _, policyArn := range instanceManagedPolicies {
		_, err := r.IAM.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(roleName),
			PolicyArn: aws.String(policyArn),
		})
		if err != nil {
			return "", &ProvisionError{Op: "AttachRolePolicy", Err: err}
		}
	}

	var profileArn string
	created, err := r.IAM.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: aws.String(profileName),
	})
	switch {
	case err == nil:
		profileArn = aws.ToString(created.InstanceProfile.Arn)
		slog.Debug("created instance profile", slog.String("name", profileName))
	case apiErrorCode(err) == "EntityAlreadyExists":
		existing, err := r.IAM.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{
			InstanceProfileName: aws.String(profileName),
		})
		if err != nil {
			return "", &ProvisionError{Op: "GetInstanceProfile", Err: err}
		}
		profileArn = aws.ToString(existing.InstanceProfile.Arn)
		for _, role := range existing.InstanceProfile.Roles {
			if aws.ToString(role.RoleName) == roleName {
				return profileArn, nil
			}
		}
	default:
		return "", &ProvisionError{Op: "CreateInstanceProfile", Err: err}
	}

	_, err = r.IAM.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: aws.String(profileName),
		RoleName:            aws.String(roleName),
	})
	if err != nil && apiErrorCode(err) != "LimitExceeded" {
		return "", &ProvisionError{Op: "AddRoleToInstanceProfile", Err: err}
	}

	// IAM needs a few seconds to propagate the instance profile
	sleep := r.Sleep
	if sleep == nil {
		sleep = util.Sleep
	}
	if err := sleep(ctx, 10*time.Second); err != nil {
		return "", err
	}
	return profileArn, nil
}
