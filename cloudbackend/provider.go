// Package cloudbackend layers a VM-provisioning back-end on top of the batch
// back-end: it owns a vmpool.Pool and a map of vmID -> child batchbackend,
// booting VMs on demand and delegating Submit to whichever child has room,
// per spec.md §4.5. Two provider flavors are supplied: ec2.go (EC2-compatible
// clouds via aws-sdk-go-v2) and openstack.go (gophercloud).
package cloudbackend

import (
	"context"

	"github.com/alphauslabs/gridrunner/vmpool"
)

// KeypairFingerprints holds both fingerprint conventions spec.md §4.5
// requires checked before trusting a remote keypair: the OpenSSH convention
// (MD5 of the raw SSH wire-format public key blob) and the AWS/EC2
// convention (MD5 of the raw PKCS#1 DER public key), recovered from
// original_source/backends/ec2boto.py.
type KeypairFingerprints struct {
	OpenSSH string
	AWS     string
}

// Provider is the cloud-specific surface cloudbackend.Backend drives; EC2
// and OpenStack each implement it against their own SDK client.
type Provider interface {
	// Name identifies the flavor ("ec2", "openstack") for logging and for
	// tagging VMs in the pool.
	Name() string

	// DescribeVM fetches live state for one instance ID.
	DescribeVM(ctx context.Context, id string) (vmpool.VM, error)

	// LaunchVM boots a new instance per spec, returning its provider ID.
	LaunchVM(ctx context.Context, spec LaunchSpec) (string, error)

	// TerminateVM tears down an instance. Idempotent: terminating an
	// already-gone instance is not an error.
	TerminateVM(ctx context.Context, id string) error

	// RemoteKeypairFingerprints fetches the fingerprints the provider has on
	// record for keypairName, or ok=false if no such keypair is registered
	// remotely yet.
	RemoteKeypairFingerprints(ctx context.Context, keypairName string) (fp KeypairFingerprints, ok bool, err error)
	// ImportKeypair registers publicKeyPath under keypairName.
	ImportKeypair(ctx context.Context, keypairName, publicKeyPath string) error

	// EnsureSecurityGroup creates the named security group (if absent) with
	// the given rules, returning its provider ID.
	EnsureSecurityGroup(ctx context.Context, name string, rules []SecurityRule) (string, error)
}

// LaunchSpec is everything a Provider needs to boot one VM.
type LaunchSpec struct {
	ImageID          string
	InstanceType     string
	KeypairName      string
	SecurityGroupIDs []string
	UserData         string
}

// SecurityRule is a provider-agnostic ingress rule.
type SecurityRule struct {
	Proto    string
	FromPort int
	ToPort   int
	CIDR     string
}

// pendingStatuses and isTerminalError classify vmpool.Status values per
// spec.md §4.5 step 1's "pending set" / "terminal error set".
var pendingStatuses = map[vmpool.Status]bool{
	vmpool.Pending: true,
}

func isPending(s vmpool.Status) bool { return pendingStatuses[s] }
func isTerminalError(s vmpool.Status) bool {
	switch s {
	case vmpool.Suspended, vmpool.Terminated, vmpool.Stopped:
		return true
	default:
		return false
	}
}
