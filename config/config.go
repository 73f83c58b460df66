// Package config turns the name/value record spec.md §6 specifies into
// typed, validated back-end configuration. It generalizes the teacher's
// internal/config.LoadFromEnv/Validate pair from "one config struct with env
// var loading" to "one struct per back-end kind populated from a plain map",
// since this core has no file or env-var loading of its own (that stays the
// caller's job — spec.md's Non-goals exclude config-file parsing).
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BatchConfig is the configuration record for any batch back-end (PBS, SGE,
// LSF), per spec.md §6's "Any batch" row.
type BatchConfig struct {
	Frontend         string
	Transport        string // "local" or "ssh"
	MaxCores         int
	MaxCoresPerJob   int
	MaxMemoryPerCore int64 // MiB, converted from GiB/core on load
	MaxWallTime      time.Duration
	Architecture     string

	Queue           string
	AccountingDelay time.Duration // default 15s
}

// CloudConfig is the configuration record for a cloud back-end (EC2,
// OpenStack), embedding BatchConfig for the sub-resource it provisions, per
// spec.md §6's "Any cloud" row.
type CloudConfig struct {
	BatchConfig

	Region          string
	KeypairName     string
	PublicKeyPath   string
	ImageID         string
	ImageName       string
	APIURL          string

	InstanceType       string
	UserData           string
	SecurityGroupName  string
	SecurityGroupRules []SecurityGroupRule
	// VMPoolMaxSize is nil when the vmPoolMaxSize key is absent (unlimited
	// pool growth) and non-nil otherwise, including an explicit zero — which
	// caps the pool at zero VMs and must never launch one (spec.md §8.7).
	VMPoolMaxSize      *int

	// VMUser and VMResourceDir configure the SSH transport and remote scratch
	// root each per-VM child batch back-end is built with.
	VMUser        string
	VMResourceDir string

	// AppOverrides maps an application tag to per-tag imageId/instanceType/
	// userData overrides, from the "<appTag>_imageId" etc. optional keys.
	AppOverrides map[string]AppOverride
}

// AppOverride holds the per-application-tag resource overrides named in
// spec.md §6 ("<appTag>_imageId", "<appTag>_instanceType", "<appTag>_userData").
type AppOverride struct {
	ImageID      string
	InstanceType string
	UserData     string
}

// SecurityGroupRule is one parsed "proto:fromPort:toPort:cidr" entry from
// the securityGroupRules key.
type SecurityGroupRule struct {
	Proto     string
	FromPort  int
	ToPort    int
	CIDR      string
}

// LoadBatchConfig validates and converts raw into a BatchConfig, converting
// maxMemoryPerCore from GiB/core to MiB/core and maxWallTime from hours to a
// time.Duration.
func LoadBatchConfig(raw map[string]string) (BatchConfig, error) {
	cfg := BatchConfig{AccountingDelay: 15 * time.Second}

	for _, key := range []string{"frontend", "transport", "maxCores", "maxCoresPerJob", "maxMemoryPerCore", "maxWallTime", "architecture"} {
		if _, ok := raw[key]; !ok {
			return BatchConfig{}, fmt.Errorf("config: missing required key %q", key)
		}
	}

	cfg.Frontend = raw["frontend"]
	cfg.Transport = raw["transport"]
	if cfg.Transport != "local" && cfg.Transport != "ssh" {
		return BatchConfig{}, fmt.Errorf("config: transport must be \"local\" or \"ssh\", got %q", cfg.Transport)
	}
	cfg.Architecture = raw["architecture"]

	var err error
	if cfg.MaxCores, err = parseInt(raw, "maxCores"); err != nil {
		return BatchConfig{}, err
	}
	if cfg.MaxCoresPerJob, err = parseInt(raw, "maxCoresPerJob"); err != nil {
		return BatchConfig{}, err
	}

	gibPerCore, err := parseFloat(raw, "maxMemoryPerCore")
	if err != nil {
		return BatchConfig{}, err
	}
	cfg.MaxMemoryPerCore = int64(gibPerCore * 1024)

	hours, err := parseFloat(raw, "maxWallTime")
	if err != nil {
		return BatchConfig{}, err
	}
	cfg.MaxWallTime = time.Duration(hours * float64(time.Hour))

	cfg.Queue = raw["queue"]
	if v, ok := raw["accountingDelay"]; ok {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return BatchConfig{}, fmt.Errorf("config: accountingDelay: %w", err)
		}
		cfg.AccountingDelay = time.Duration(secs * float64(time.Second))
	}

	return cfg, nil
}

// LoadCloudConfig validates and converts raw into a CloudConfig, first
// delegating the batch sub-resource keys to LoadBatchConfig.
func LoadCloudConfig(raw map[string]string) (CloudConfig, error) {
	batchCfg, err := LoadBatchConfig(raw)
	if err != nil {
		return CloudConfig{}, err
	}
	cfg := CloudConfig{BatchConfig: batchCfg, AppOverrides: map[string]AppOverride{}}

	for _, key := range []string{"region", "keypairName", "publicKey", "apiURL"} {
		if _, ok := raw[key]; !ok {
			return CloudConfig{}, fmt.Errorf("config: missing required key %q", key)
		}
	}
	if _, hasID := raw["imageId"]; !hasID {
		if _, hasName := raw["imageName"]; !hasName {
			return CloudConfig{}, fmt.Errorf("config: one of imageId or imageName is required")
		}
	}

	cfg.Region = raw["region"]
	cfg.KeypairName = raw["keypairName"]
	cfg.PublicKeyPath = raw["publicKey"]
	cfg.ImageID = raw["imageId"]
	cfg.ImageName = raw["imageName"]
	cfg.APIURL = raw["apiURL"]

	cfg.InstanceType = raw["instanceType"]
	cfg.UserData = raw["userData"]
	cfg.SecurityGroupName = raw["securityGroupName"]

	cfg.VMUser = raw["vmUser"]
	if cfg.VMUser == "" {
		cfg.VMUser = "root"
	}
	cfg.VMResourceDir = raw["vmResourceDir"]
	if cfg.VMResourceDir == "" {
		cfg.VMResourceDir = ".gridrunner"
	}

	if v, ok := raw["securityGroupRules"]; ok && v != "" {
		rules, err := parseSecurityGroupRules(v)
		if err != nil {
			return CloudConfig{}, err
		}
		cfg.SecurityGroupRules = rules
	}

	if v, ok := raw["vmPoolMaxSize"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return CloudConfig{}, fmt.Errorf("config: vmPoolMaxSize: %w", err)
		}
		cfg.VMPoolMaxSize = &n
	}

	for k, v := range raw {
		for _, suffix := range []struct {
			tag   string
			apply func(*AppOverride, string)
		}{
			{"_imageId", func(o *AppOverride, v string) { o.ImageID = v }},
			{"_instanceType", func(o *AppOverride, v string) { o.InstanceType = v }},
			{"_userData", func(o *AppOverride, v string) { o.UserData = v }},
		} {
			if strings.HasSuffix(k, suffix.tag) {
				appTag := strings.TrimSuffix(k, suffix.tag)
				o := cfg.AppOverrides[appTag]
				suffix.apply(&o, v)
				cfg.AppOverrides[appTag] = o
			}
		}
	}

	return cfg, nil
}

func parseInt(raw map[string]string, key string) (int, error) {
	n, err := strconv.Atoi(raw[key])
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func parseFloat(raw map[string]string, key string) (float64, error) {
	f, err := strconv.ParseFloat(raw[key], 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func parseSecurityGroupRules(v string) ([]SecurityGroupRule, error) {
	var rules []SecurityGroupRule
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("config: securityGroupRules entry %q: want proto:fromPort:toPort:cidr", entry)
		}
		from, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("config: securityGroupRules entry %q: %w", entry, err)
		}
		to, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("config: securityGroupRules entry %q: %w", entry, err)
		}
		rules = append(rules, SecurityGroupRule{Proto: parts[0], FromPort: from, ToPort: to, CIDR: parts[3]})
	}
	return rules, nil
}
