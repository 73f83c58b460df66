package cloudbackend

import (
	"context"
	"fmt"
	"strings"

	"github.com/alphauslabs/gridrunner/batchbackend"
	"github.com/alphauslabs/gridrunner/config"
	"github.com/alphauslabs/gridrunner/transport"
)

// launchVMLocked implements spec.md §4.5 step 5: verify (or import) the
// keypair, ensure the security group, launch the instance, and register it
// in the pool with a freshly built child batch back-end. Caller holds b.mu.
func (b *Backend) launchVMLocked(ctx context.Context, imageID, instanceType, appTag string) error {
	privateKeyPath := strings.TrimSuffix(b.Config.PublicKeyPath, ".pub")
	if err := VerifyRemoteKeypair(ctx, b.Provider, b.Config.KeypairName, privateKeyPath); err != nil {
		return err
	}

	sgID, err := b.Provider.EnsureSecurityGroup(ctx, b.Config.SecurityGroupName, convertRules(b.Config.SecurityGroupRules))
	if err != nil {
		return fmt.Errorf("cloudbackend: ensure security group %s: %w", b.Config.SecurityGroupName, err)
	}

	spec := LaunchSpec{
		ImageID:          imageID,
		InstanceType:     instanceType,
		KeypairName:      b.Config.KeypairName,
		SecurityGroupIDs: []string{sgID},
		UserData:         b.appUserData(appTag),
	}
	vmID, err := b.Provider.LaunchVM(ctx, spec)
	if err != nil {
		return fmt.Errorf("cloudbackend: launch vm: %w", err)
	}

	v, err := b.Pool.Refresh(ctx, vmID)
	if err != nil {
		// The pool hasn't learned about vmID yet; Add it now so a later
		// refresh can still find it even though this describe call failed.
		b.Pool.Add(vmID, "")
		return fmt.Errorf("cloudbackend: describe freshly launched vm %s: %w", vmID, err)
	}
	if err := b.Pool.Add(vmID, v.PreferredAddress); err != nil {
		return fmt.Errorf("cloudbackend: add vm %s to pool: %w", vmID, err)
	}

	child := batchbackend.New(b.Dialect, b.childTransport(v.PreferredAddress), b.Config.BatchConfig, b.Config.VMResourceDir, b.Logger)
	b.children[vmID] = child
	return nil
}

// childTransport builds the SSH transport a freshly launched VM's child
// batch back-end talks over; IgnoreHostKeys is forced since a cloud-
// provisioned host has no pre-existing known_hosts entry (spec.md §4.1).
func (b *Backend) childTransport(host string) transport.Transport {
	return transport.NewSSH(transport.SSHConfig{
		Host:           host,
		User:           b.Config.VMUser,
		IgnoreHostKeys: true,
	})
}

func convertRules(rules []config.SecurityGroupRule) []SecurityRule {
	out := make([]SecurityRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, SecurityRule{Proto: r.Proto, FromPort: r.FromPort, ToPort: r.ToPort, CIDR: r.CIDR})
	}
	return out
}
