package cloudbackend

import (
	"context"
	"fmt"

	"github.com/alphauslabs/gridrunner/backend"
	"github.com/alphauslabs/gridrunner/config"
	"github.com/alphauslabs/gridrunner/dialect"
	"github.com/alphauslabs/gridrunner/vmpool"
)

func init() {
	backend.Register("ec2", factoryFor(newEC2Provider))
	backend.Register("openstack", factoryFor(newOpenStackProvider))
}

// providerCtor builds a Provider from a validated config.CloudConfig; ec2.go
// and openstack.go each supply one.
type providerCtor func(ctx context.Context, cfg config.CloudConfig) (Provider, error)

func newEC2Provider(ctx context.Context, cfg config.CloudConfig) (Provider, error) {
	return NewEC2Provider(ctx, cfg.Region, cfg.APIURL)
}

func newOpenStackProvider(ctx context.Context, cfg config.CloudConfig) (Provider, error) {
	return NewOpenStackProvider(ctx, cfg.APIURL, cfg.Region)
}

// factoryFor builds a backend.Factory around a flavor's provider
// constructor and the dialect named by the "dialect" config key, mirroring
// batchbackend/register.go's factoryFor.
func factoryFor(newProvider providerCtor) backend.Factory {
	return func(raw map[string]string) (backend.ExecutionBackend, error) {
		cfg, err := config.LoadCloudConfig(raw)
		if err != nil {
			return nil, &backend.ConfigurationError{Key: "cloud", Err: err}
		}

		dialectName := raw["dialect"]
		d, ok := dialect.ByName(dialectName)
		if !ok {
			return nil, &backend.ConfigurationError{Key: "dialect", Err: fmt.Errorf("unknown dialect %q", dialectName)}
		}

		ctx := context.Background()
		provider, err := newProvider(ctx, cfg)
		if err != nil {
			return nil, &backend.ConfigurationError{Key: "provider", Err: err}
		}

		poolDir := raw["poolDir"]
		if poolDir == "" {
			poolDir = ".gridrunner/vmpool"
		}
		pool, err := vmpool.Open(poolDir, func(ctx context.Context, id string) (vmpool.VM, error) {
			return provider.DescribeVM(ctx, id)
		})
		if err != nil {
			return nil, &backend.ConfigurationError{Key: "poolDir", Err: err}
		}

		return New(provider, d, cfg, pool, nil), nil
	}
}
