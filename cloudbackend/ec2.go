package cloudbackend

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/alphauslabs/gridrunner/backend"
	"github.com/alphauslabs/gridrunner/vmpool"
)

// EC2Provider drives any EC2-compatible cloud (AWS proper, or an OpenStack
// EC2-compat endpoint reached via APIURL) through aws-sdk-go-v2, per
// original_source/backends/ec2boto.py.
type EC2Provider struct {
	client *ec2.Client
	region string
}

// NewEC2Provider loads credentials the SDK's default chain finds (env vars,
// shared config, instance profile) and, when apiURL is set, points the
// client at a non-AWS EC2-compatible endpoint instead of the regional AWS
// one.
func NewEC2Provider(ctx context.Context, region, apiURL string) (*EC2Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloudbackend: load aws config: %w", err)
	}

	var clientOpts []func(*ec2.Options)
	if apiURL != "" {
		clientOpts = append(clientOpts, func(o *ec2.Options) { o.BaseEndpoint = &apiURL })
	}

	return &EC2Provider{client: ec2.NewFromConfig(cfg, clientOpts...), region: region}, nil
}

func (p *EC2Provider) Name() string { return "ec2" }

func (p *EC2Provider) DescribeVM(ctx context.Context, id string) (vmpool.VM, error) {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		if isNotFoundErr(err) {
			return vmpool.VM{}, &backend.InstanceNotFoundError{InstanceID: id}
		}
		return vmpool.VM{}, fmt.Errorf("cloudbackend: describe instance %s: %w", id, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.InstanceId != nil && *inst.InstanceId == id {
				return instanceToVM(inst), nil
			}
		}
	}
	return vmpool.VM{}, &backend.InstanceNotFoundError{InstanceID: id}
}

func (p *EC2Provider) LaunchVM(ctx context.Context, spec LaunchSpec) (string, error) {
	out, err := p.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          &spec.ImageID,
		InstanceType:     types.InstanceType(spec.InstanceType),
		KeyName:          &spec.KeypairName,
		SecurityGroupIds: spec.SecurityGroupIDs,
		UserData:         encodeUserData(spec.UserData),
		MinCount:         aws1,
		MaxCount:         aws1,
	})
	if err != nil {
		return "", fmt.Errorf("cloudbackend: run instances: %w", err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", fmt.Errorf("cloudbackend: run instances: no instance returned")
	}
	return *out.Instances[0].InstanceId, nil
}

func (p *EC2Provider) TerminateVM(ctx context.Context, id string) error {
	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	if err != nil && !isNotFoundErr(err) {
		return fmt.Errorf("cloudbackend: terminate instance %s: %w", id, err)
	}
	return nil
}

func (p *EC2Provider) RemoteKeypairFingerprints(ctx context.Context, keypairName string) (KeypairFingerprints, bool, error) {
	out, err := p.client.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{KeyNames: []string{keypairName}})
	if err != nil {
		if isNotFoundErr(err) {
			return KeypairFingerprints{}, false, nil
		}
		return KeypairFingerprints{}, false, fmt.Errorf("cloudbackend: describe keypair %s: %w", keypairName, err)
	}
	if len(out.KeyPairs) == 0 || out.KeyPairs[0].KeyFingerprint == nil {
		return KeypairFingerprints{}, false, nil
	}
	// EC2's DescribeKeyPairs reports the AWS-convention fingerprint for
	// RSA keys it generated or imported; there is no separate OpenSSH-style
	// value available remotely, so both map to the same reported string and
	// VerifyRemoteKeypair's OR comparison still lets a local-agent match
	// through on the AWS side.
	fp := *out.KeyPairs[0].KeyFingerprint
	return KeypairFingerprints{AWS: fp, OpenSSH: fp}, true, nil
}

func (p *EC2Provider) ImportKeypair(ctx context.Context, keypairName, publicKeyPath string) error {
	pub, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return fmt.Errorf("cloudbackend: read public key %s: %w", publicKeyPath, err)
	}
	_, err = p.client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           &keypairName,
		PublicKeyMaterial: pub,
	})
	if err != nil {
		return fmt.Errorf("cloudbackend: import keypair %s: %w", keypairName, err)
	}
	return nil
}

func (p *EC2Provider) EnsureSecurityGroup(ctx context.Context, name string, rules []SecurityRule) (string, error) {
	describeOut, err := p.client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{{Name: strPtr("group-name"), Values: []string{name}}},
	})
	if err == nil && len(describeOut.SecurityGroups) > 0 {
		return *describeOut.SecurityGroups[0].GroupId, nil
	}

	createOut, err := p.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   &name,
		Description: strPtr("gridrunner cloud back-end"),
	})
	if err != nil {
		return "", fmt.Errorf("cloudbackend: create security group %s: %w", name, err)
	}
	groupID := *createOut.GroupId

	var perms []types.IpPermission
	for _, r := range rules {
		fromPort := int32(r.FromPort)
		toPort := int32(r.ToPort)
		perms = append(perms, types.IpPermission{
			IpProtocol: &r.Proto,
			FromPort:   &fromPort,
			ToPort:     &toPort,
			IpRanges:   []types.IpRange{{CidrIp: &r.CIDR}},
		})
	}
	if len(perms) > 0 {
		if _, err := p.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       &groupID,
			IpPermissions: perms,
		}); err != nil {
			return "", fmt.Errorf("cloudbackend: authorize ingress on %s: %w", name, err)
		}
	}
	return groupID, nil
}

var aws1 = int32(1)

func strPtr(s string) *string { return &s }

func encodeUserData(userData string) *string {
	if userData == "" {
		return nil
	}
	v := base64.StdEncoding.EncodeToString([]byte(userData))
	return &v
}

func isNotFoundErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NotFound")
}

func instanceToVM(inst types.Instance) vmpool.VM {
	v := vmpool.VM{Status: ec2StateToStatus(inst.State)}
	if inst.InstanceId != nil {
		v.ID = *inst.InstanceId
	}
	if inst.ImageId != nil {
		v.ImageID = *inst.ImageId
	}
	v.InstanceTypeID = string(inst.InstanceType)
	if inst.PublicIpAddress != nil && *inst.PublicIpAddress != "" {
		v.PreferredAddress = *inst.PublicIpAddress
	} else if inst.PrivateIpAddress != nil {
		v.PreferredAddress = *inst.PrivateIpAddress
	}
	if inst.PrivateIpAddress != nil && *inst.PrivateIpAddress != v.PreferredAddress {
		v.OtherAddresses = append(v.OtherAddresses, *inst.PrivateIpAddress)
	}
	return v
}

func ec2StateToStatus(st *types.InstanceState) vmpool.Status {
	if st == nil {
		return vmpool.Unknown
	}
	switch st.Name {
	case types.InstanceStateNamePending:
		return vmpool.Pending
	case types.InstanceStateNameRunning:
		return vmpool.Running
	case types.InstanceStateNameStopping:
		return vmpool.Stopping
	case types.InstanceStateNameStopped:
		return vmpool.Stopped
	case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated:
		return vmpool.Terminated
	default:
		return vmpool.Unknown
	}
}
