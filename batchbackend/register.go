package batchbackend

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alphauslabs/gridrunner/backend"
	"github.com/alphauslabs/gridrunner/config"
	"github.com/alphauslabs/gridrunner/dialect"
	"github.com/alphauslabs/gridrunner/transport"
)

func init() {
	backend.Register("pbs", factoryFor(dialect.PBS))
	backend.Register("torque", factoryFor(dialect.PBS))
	backend.Register("sge", factoryFor(dialect.SGE))
	backend.Register("ogs", factoryFor(dialect.SGE))
	backend.Register("lsf", factoryFor(dialect.LSF))
}

// factoryFor builds a backend.Factory that constructs a dialect-bound
// Backend from a name/value record, per spec.md §6's "Any batch" key table
// and mirroring the teacher's NewProvider(ProviderConfig) registry.
func factoryFor(d dialect.Dialect) backend.Factory {
	return func(raw map[string]string) (backend.ExecutionBackend, error) {
		cfg, err := config.LoadBatchConfig(raw)
		if err != nil {
			return nil, &backend.ConfigurationError{Key: d.Name, Err: err}
		}

		tr, err := buildTransport(cfg)
		if err != nil {
			return nil, &backend.ConfigurationError{Key: "transport", Err: err}
		}

		resourceDir := raw["resourceDir"]
		if resourceDir == "" {
			resourceDir = ".gridrunner"
		}

		return New(d, tr, cfg, resourceDir, nil), nil
	}
}

// buildTransport constructs Local or SSH from cfg.Transport and cfg.Frontend.
// cfg.Frontend for "ssh" is "user@host[:port]"; an empty host part with
// "local" transport is the original_source/backends/fork.py-style default.
func buildTransport(cfg config.BatchConfig) (transport.Transport, error) {
	switch cfg.Transport {
	case "local":
		return transport.NewLocal(), nil
	case "ssh":
		user, host, port, err := parseFrontend(cfg.Frontend)
		if err != nil {
			return nil, err
		}
		return transport.NewSSH(transport.SSHConfig{
			Host: host,
			Port: port,
			User: user,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func parseFrontend(frontend string) (user, host string, port int, err error) {
	if frontend == "" {
		return "", "", 0, fmt.Errorf("frontend is required for ssh transport")
	}
	user = ""
	rest := frontend
	if i := strings.Index(frontend, "@"); i >= 0 {
		user = frontend[:i]
		rest = frontend[i+1:]
	}
	host = rest
	port = 22
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		host = rest[:i]
		p, perr := strconv.Atoi(rest[i+1:])
		if perr == nil {
			port = p
		}
	}
	return user, host, port, nil
}
