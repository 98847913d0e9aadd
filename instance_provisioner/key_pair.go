package instanceprovisioner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Octogonapus/FMBenchOrchestrator/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/crypto/ssh"
)

func (p *EC2Provisioner) keyPath(name string) string {
	return filepath.Join(p.cfg.KeyPair.KeyDir, name+".pem")
}

func (p *EC2Provisioner) EnsureKeyMaterial(ctx context.Context, spec *config.InstanceSpec) (*KeyMaterial, error) {
	name := p.cfg.KeyPair.NameFor(spec.Region)
	v, err, _ := p.flight.Do("key:"+name, func() (any, error) {
		return p.ensureKeyPair(ctx, spec.Region, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*KeyMaterial), nil
}

func (p *EC2Provisioner) ensureKeyPair(ctx context.Context, region, name string) (*KeyMaterial, error) {
	client := p.client(region)
	km := &KeyMaterial{Name: name, Path: p.keyPath(name)}

	buf, err := os.ReadFile(km.Path)
	switch {
	case err == nil:
		if _, err := ssh.ParsePrivateKey(buf); err != nil {
			return nil, &ProvisionError{Op: "read key", Region: region, Err: fmt.Errorf("%s: %w", km.Path, err)}
		}
		exists, err := remoteKeyExists(ctx, client, name)
		if err != nil {
			return nil, &ProvisionError{Op: "DescribeKeyPairs", Region: region, Err: err}
		}
		if !exists {
			return nil, &ProvisionError{Op: "DescribeKeyPairs", Region: region, Err: fmt.Errorf("local key %s has no matching key pair %s", km.Path, name)}
		}
		slog.Debug("reusing key pair", slog.String("name", name), slog.String("path", km.Path))
		return km, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, &ProvisionError{Op: "read key", Region: region, Err: err}
	}

	if !p.cfg.RunSteps.KeyPairGeneration {
		return nil, &ProvisionError{Op: "read key", Region: region, Err: fmt.Errorf("%s does not exist and key pair generation is disabled", km.Path)}
	}

	// The private half of an existing remote key is unrecoverable, so replace it.
	exists, err := remoteKeyExists(ctx, client, name)
	if err != nil {
		return nil, &ProvisionError{Op: "DescribeKeyPairs", Region: region, Err: err}
	}
	if exists {
		slog.Warn("replacing key pair with no local private key", slog.String("name", name), slog.String("region", region))
		_, err := client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(name)})
		if err != nil {
			return nil, &ProvisionError{Op: "DeleteKeyPair", Region: region, Err: err}
		}
	}

	resp, err := client.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:   aws.String(name),
		KeyType:   ec2Types.KeyTypeEd25519,
		KeyFormat: ec2Types.KeyFormatPem,
	})
	if err != nil {
		return nil, &ProvisionError{Op: "CreateKeyPair", Region: region, Err: err}
	}
	material := []byte(aws.ToString(resp.KeyMaterial))
	if _, err := ssh.ParsePrivateKey(material); err != nil {
		return nil, &ProvisionError{Op: "CreateKeyPair", Region: region, Err: err}
	}

	err = os.MkdirAll(filepath.Dir(km.Path), 0o700)
	if err != nil {
		return nil, &ProvisionError{Op: "write key", Region: region, Err: err}
	}
	err = os.WriteFile(km.Path, material, 0o400)
	if err != nil {
		return nil, &ProvisionError{Op: "write key", Region: region, Err: err}
	}
	slog.Debug("created key pair", slog.String("name", name), slog.String("ID", aws.ToString(resp.KeyPairId)), slog.String("path", km.Path))
	return km, nil
}

func remoteKeyExists(ctx context.Context, client EC2API, name string) (bool, error) {
	resp, err := client.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{KeyNames: []string{name}})
	if err != nil {
		if apiErrorCode(err) == "InvalidKeyPair.NotFound" {
			return false, nil
		}
		return false, err
	}
	return len(resp.KeyPairs) > 0, nil
}
