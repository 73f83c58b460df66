package cloudbackend

import (
	"context"
	"fmt"
	"os"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/secgroups"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"

	"github.com/alphauslabs/gridrunner/backend"
	"github.com/alphauslabs/gridrunner/vmpool"
)

// OpenStackProvider drives Nova through gophercloud, per
// original_source/backends/openstack.py.
type OpenStackProvider struct {
	compute *gophercloud.ServiceClient
	region  string
}

// NewOpenStackProvider authenticates against apiURL using the standard
// OS_* environment variables gophercloud's openstack.AuthOptionsFromEnv
// reads, mirroring original_source/backends/openstack.py's use of the
// novaclient environment convention.
func NewOpenStackProvider(ctx context.Context, apiURL, region string) (*OpenStackProvider, error) {
	authOpts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("cloudbackend: openstack auth options: %w", err)
	}
	if apiURL != "" {
		authOpts.IdentityEndpoint = apiURL
	}

	provider, err := openstack.AuthenticatedClient(authOpts)
	if err != nil {
		return nil, fmt.Errorf("cloudbackend: openstack authenticate: %w", err)
	}

	compute, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{Region: region})
	if err != nil {
		return nil, fmt.Errorf("cloudbackend: openstack compute client: %w", err)
	}

	return &OpenStackProvider{compute: compute, region: region}, nil
}

func (p *OpenStackProvider) Name() string { return "openstack" }

func (p *OpenStackProvider) DescribeVM(ctx context.Context, id string) (vmpool.VM, error) {
	server, err := servers.Get(p.compute, id).Extract()
	if err != nil {
		if gophercloud.ResponseCodeIs(err, 404) {
			return vmpool.VM{}, &backend.InstanceNotFoundError{InstanceID: id}
		}
		return vmpool.VM{}, fmt.Errorf("cloudbackend: get server %s: %w", id, err)
	}
	return serverToVM(server), nil
}

func (p *OpenStackProvider) LaunchVM(ctx context.Context, spec LaunchSpec) (string, error) {
	var groupNames []string
	// EnsureSecurityGroup returns a provider ID; Nova's server-create API
	// wants the group name instead, so the cloud back-end is expected to
	// pass a name-shaped ID through for this provider (spec.md's OpenStack
	// row names security groups by name, not numeric ID).
	groupNames = append(groupNames, spec.SecurityGroupIDs...)

	createOpts := servers.CreateOpts{
		ImageRef:       spec.ImageID,
		FlavorName:     spec.InstanceType,
		SecurityGroups: groupNames,
		UserData:       []byte(spec.UserData),
	}
	server, err := servers.Create(p.compute, keypairs.CreateOptsExt{
		CreateOptsBuilder: createOpts,
		KeyName:           spec.KeypairName,
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("cloudbackend: create server: %w", err)
	}
	return server.ID, nil
}

func (p *OpenStackProvider) TerminateVM(ctx context.Context, id string) error {
	err := servers.Delete(p.compute, id).ExtractErr()
	if err != nil && !gophercloud.ResponseCodeIs(err, 404) {
		return fmt.Errorf("cloudbackend: delete server %s: %w", id, err)
	}
	return nil
}

func (p *OpenStackProvider) RemoteKeypairFingerprints(ctx context.Context, keypairName string) (KeypairFingerprints, bool, error) {
	kp, err := keypairs.Get(p.compute, keypairName, nil).Extract()
	if err != nil {
		if gophercloud.ResponseCodeIs(err, 404) {
			return KeypairFingerprints{}, false, nil
		}
		return KeypairFingerprints{}, false, fmt.Errorf("cloudbackend: get keypair %s: %w", keypairName, err)
	}
	// Nova reports the OpenSSH-convention MD5 fingerprint; there is no
	// separate AWS-convention value from this API.
	return KeypairFingerprints{OpenSSH: kp.Fingerprint}, true, nil
}

func (p *OpenStackProvider) ImportKeypair(ctx context.Context, keypairName, publicKeyPath string) error {
	pub, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return fmt.Errorf("cloudbackend: read public key %s: %w", publicKeyPath, err)
	}
	_, err = keypairs.Create(p.compute, keypairs.CreateOpts{
		Name:      keypairName,
		PublicKey: string(pub),
	}).Extract()
	if err != nil {
		return fmt.Errorf("cloudbackend: import keypair %s: %w", keypairName, err)
	}
	return nil
}

func (p *OpenStackProvider) EnsureSecurityGroup(ctx context.Context, name string, rules []SecurityRule) (string, error) {
	pages, err := secgroups.List(p.compute).AllPages()
	if err == nil {
		existing, err := secgroups.ExtractSecurityGroups(pages)
		if err == nil {
			for _, g := range existing {
				if g.Name == name {
					return g.Name, nil
				}
			}
		}
	}

	group, err := secgroups.Create(p.compute, secgroups.CreateOpts{
		Name:        name,
		Description: "gridrunner cloud back-end",
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("cloudbackend: create security group %s: %w", name, err)
	}

	for _, r := range rules {
		if _, err := secgroups.CreateRule(p.compute, secgroups.CreateRuleOpts{
			ParentGroupID: group.ID,
			FromPort:      r.FromPort,
			ToPort:        r.ToPort,
			IPProtocol:    r.Proto,
			CIDR:          r.CIDR,
		}).Extract(); err != nil {
			return "", fmt.Errorf("cloudbackend: add rule to security group %s: %w", name, err)
		}
	}
	// The server-create API keys security groups by name, not ID; return
	// the name so LaunchVM can pass it straight through.
	return group.Name, nil
}

func serverToVM(s *servers.Server) vmpool.VM {
	v := vmpool.VM{
		ID:             s.ID,
		Status:         novaStatusToStatus(s.Status),
		ImageID:        fmt.Sprintf("%v", s.Image["id"]),
		InstanceTypeID: fmt.Sprintf("%v", s.Flavor["id"]),
	}
	for _, addrs := range s.Addresses {
		list, ok := addrs.([]interface{})
		if !ok {
			continue
		}
		for _, a := range list {
			addrMap, ok := a.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := addrMap["addr"].(string)
			if ip == "" {
				continue
			}
			if v.PreferredAddress == "" {
				v.PreferredAddress = ip
			} else {
				v.OtherAddresses = append(v.OtherAddresses, ip)
			}
		}
	}
	return v
}

func novaStatusToStatus(status string) vmpool.Status {
	switch status {
	case "BUILD":
		return vmpool.Pending
	case "ACTIVE":
		return vmpool.Running
	case "STOPPED", "SHUTOFF":
		return vmpool.Stopped
	case "SUSPENDED":
		return vmpool.Suspended
	case "DELETED", "ERROR":
		return vmpool.Terminated
	default:
		return vmpool.Unknown
	}
}
