package instanceprovisioner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Octogonapus/FMBenchOrchestrator/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

func (p *EC2Provisioner) EnsureNetworkAccess(ctx context.Context, spec *config.InstanceSpec) (string, error) {
	name := p.cfg.SecurityGroup.NameFor(spec.Region)

	p.mu.Lock()
	id, ok := p.groups[name]
	p.mu.Unlock()
	if ok {
		return id, nil
	}

	v, err, _ := p.flight.Do("sg:"+name, func() (any, error) {
		id, err := p.ensureSecurityGroup(ctx, spec.Region, name)
		if err != nil {
			return "", err
		}
		p.mu.Lock()
		p.groups[name] = id
		p.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *EC2Provisioner) ensureSecurityGroup(ctx context.Context, region, name string) (string, error) {
	client := p.client(region)
	sg := p.cfg.SecurityGroup

	if !p.cfg.RunSteps.SecurityGroupCreation {
		id, err := p.findSecurityGroup(ctx, client, name)
		if err != nil {
			return "", &ProvisionError{Op: "DescribeSecurityGroups", Region: region, Err: err}
		}
		if id == "" {
			return "", &ProvisionError{Op: "DescribeSecurityGroups", Region: region, Err: fmt.Errorf("security group %s does not exist and creation is disabled", name)}
		}
		return id, nil
	}

	req := &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String(sg.Description),
	}
	if sg.VpcID != "" {
		req.VpcId = aws.String(sg.VpcID)
	}
	var id string
	resp, err := client.CreateSecurityGroup(ctx, req)
	switch {
	case err == nil:
		id = aws.ToString(resp.GroupId)
		slog.Debug("created security group", slog.String("name", name), slog.String("ID", id))
	case apiErrorCode(err) == "InvalidGroup.Duplicate":
		id, err = p.findSecurityGroup(ctx, client, name)
		if err != nil {
			return "", &ProvisionError{Op: "DescribeSecurityGroups", Region: region, Err: err}
		}
		if id == "" {
			return "", &ProvisionError{Op: "DescribeSecurityGroups", Region: region, Err: fmt.Errorf("security group %s reported as duplicate but not found", name)}
		}
		slog.Debug("reusing security group", slog.String("name", name), slog.String("ID", id))
	default:
		return "", &ProvisionError{Op: "CreateSecurityGroup", Region: region, Err: err}
	}

	ports := []int32{22}
	if sg.AppPort != 0 && sg.AppPort != 22 {
		ports = append(ports, sg.AppPort)
	}
	// One request per port so an existing rule does not block the others.
	for _, port := range ports {
		_, err := client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId: aws.String(id),
			IpPermissions: []ec2Types.IpPermission{
				{
					FromPort:   aws.Int32(port),
					IpProtocol: aws.String("tcp"),
					IpRanges:   []ec2Types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
					ToPort:     aws.Int32(port),
				},
			},
		})
		if err != nil && apiErrorCode(err) != "InvalidPermission.Duplicate" {
			return "", &ProvisionError{Op: "AuthorizeSecurityGroupIngress", Region: region, Err: err}
		}
	}
	return id, nil
}

// findSecurityGroup returns the id of the named group, or "" if there is none.
func (p *EC2Provisioner) findSecurityGroup(ctx context.Context, client EC2API, name string) (string, error) {
	filters := []ec2Types.Filter{{Name: aws.String("group-name"), Values: []string{name}}}
	if vpc := p.cfg.SecurityGroup.VpcID; vpc != "" {
		filters = append(filters, ec2Types.Filter{Name: aws.String("vpc-id"), Values: []string{vpc}})
	}
	resp, err := client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{Filters: filters})
	if err != nil {
		return "", err
	}
	if len(resp.SecurityGroups) == 0 {
		return "", nil
	}
	return aws.ToString(resp.SecurityGroups[0].GroupId), nil
}
