package config

import (
	"testing"
	"time"
)

func validBatchRaw() map[string]string {
	return map[string]string{
		"frontend":         "frontend.example.com",
		"transport":        "ssh",
		"maxCores":         "64",
		"maxCoresPerJob":   "16",
		"maxMemoryPerCore": "2",
		"maxWallTime":      "24",
		"architecture":     "x86_64",
	}
}

func validCloudRaw() map[string]string {
	raw := validBatchRaw()
	raw["region"] = "us-east-1"
	raw["keypairName"] = "mykey"
	raw["publicKey"] = "/home/user/.ssh/id_rsa.pub"
	raw["apiURL"] = "https://ec2.us-east-1.amazonaws.com"
	raw["imageId"] = "ami-123"
	return raw
}

// ---------------------------------------------------------------------------
// LoadBatchConfig
// ---------------------------------------------------------------------------

func TestLoadBatchConfig_Valid(t *testing.T) {
	cfg, err := LoadBatchConfig(validBatchRaw())
	if err != nil {
		t.Fatalf("LoadBatchConfig: %v", err)
	}
	if cfg.MaxMemoryPerCore != 2048 {
		t.Errorf("MaxMemoryPerCore = %d, want 2048 (2 GiB in MiB)", cfg.MaxMemoryPerCore)
	}
	if cfg.MaxWallTime != 24*time.Hour {
		t.Errorf("MaxWallTime = %v, want 24h", cfg.MaxWallTime)
	}
	if cfg.AccountingDelay != 15*time.Second {
		t.Errorf("AccountingDelay = %v, want default 15s", cfg.AccountingDelay)
	}
}

func TestLoadBatchConfig_MissingRequiredKey(t *testing.T) {
	for _, key := range []string{"frontend", "transport", "maxCores", "maxCoresPerJob", "maxMemoryPerCore", "maxWallTime", "architecture"} {
		raw := validBatchRaw()
		delete(raw, key)
		if _, err := LoadBatchConfig(raw); err == nil {
			t.Errorf("LoadBatchConfig() without %q succeeded, want error", key)
		}
	}
}

func TestLoadBatchConfig_InvalidTransport(t *testing.T) {
	raw := validBatchRaw()
	raw["transport"] = "carrier-pigeon"
	if _, err := LoadBatchConfig(raw); err == nil {
		t.Error("LoadBatchConfig() with invalid transport succeeded, want error")
	}
}

func TestLoadBatchConfig_CustomAccountingDelay(t *testing.T) {
	raw := validBatchRaw()
	raw["accountingDelay"] = "30"
	cfg, err := LoadBatchConfig(raw)
	if err != nil {
		t.Fatalf("LoadBatchConfig: %v", err)
	}
	if cfg.AccountingDelay != 30*time.Second {
		t.Errorf("AccountingDelay = %v, want 30s", cfg.AccountingDelay)
	}
}

// ---------------------------------------------------------------------------
// LoadCloudConfig
// ---------------------------------------------------------------------------

func TestLoadCloudConfig_Valid(t *testing.T) {
	cfg, err := LoadCloudConfig(validCloudRaw())
	if err != nil {
		t.Fatalf("LoadCloudConfig: %v", err)
	}
	if cfg.VMUser != "root" {
		t.Errorf("VMUser default = %q, want \"root\"", cfg.VMUser)
	}
	if cfg.VMResourceDir != ".gridrunner" {
		t.Errorf("VMResourceDir default = %q, want \".gridrunner\"", cfg.VMResourceDir)
	}
	if cfg.VMPoolMaxSize != nil {
		t.Errorf("VMPoolMaxSize = %v with vmPoolMaxSize absent, want nil", *cfg.VMPoolMaxSize)
	}
}

func TestLoadCloudConfig_VMPoolMaxSizeExplicitZero(t *testing.T) {
	raw := validCloudRaw()
	raw["vmPoolMaxSize"] = "0"
	cfg, err := LoadCloudConfig(raw)
	if err != nil {
		t.Fatalf("LoadCloudConfig: %v", err)
	}
	if cfg.VMPoolMaxSize == nil || *cfg.VMPoolMaxSize != 0 {
		t.Errorf("VMPoolMaxSize = %v, want a non-nil pointer to 0", cfg.VMPoolMaxSize)
	}
}

func TestLoadCloudConfig_VMPoolMaxSizeSet(t *testing.T) {
	raw := validCloudRaw()
	raw["vmPoolMaxSize"] = "5"
	cfg, err := LoadCloudConfig(raw)
	if err != nil {
		t.Fatalf("LoadCloudConfig: %v", err)
	}
	if cfg.VMPoolMaxSize == nil || *cfg.VMPoolMaxSize != 5 {
		t.Errorf("VMPoolMaxSize = %v, want a pointer to 5", cfg.VMPoolMaxSize)
	}
}

func TestLoadCloudConfig_MissingRequiredKey(t *testing.T) {
	for _, key := range []string{"region", "keypairName", "publicKey", "apiURL"} {
		raw := validCloudRaw()
		delete(raw, key)
		if _, err := LoadCloudConfig(raw); err == nil {
			t.Errorf("LoadCloudConfig() without %q succeeded, want error", key)
		}
	}
}

func TestLoadCloudConfig_RequiresImageIDOrName(t *testing.T) {
	raw := validCloudRaw()
	delete(raw, "imageId")
	if _, err := LoadCloudConfig(raw); err == nil {
		t.Error("LoadCloudConfig() without imageId or imageName succeeded, want error")
	}
	raw["imageName"] = "ubuntu-22.04"
	if _, err := LoadCloudConfig(raw); err != nil {
		t.Errorf("LoadCloudConfig() with imageName only: %v, want success", err)
	}
}

func TestLoadCloudConfig_VMUserOverride(t *testing.T) {
	raw := validCloudRaw()
	raw["vmUser"] = "ubuntu"
	cfg, err := LoadCloudConfig(raw)
	if err != nil {
		t.Fatalf("LoadCloudConfig: %v", err)
	}
	if cfg.VMUser != "ubuntu" {
		t.Errorf("VMUser = %q, want %q", cfg.VMUser, "ubuntu")
	}
}

func TestLoadCloudConfig_SecurityGroupRules(t *testing.T) {
	raw := validCloudRaw()
	raw["securityGroupRules"] = "tcp:22:22:0.0.0.0/0, tcp:80:8080:10.0.0.0/8"
	cfg, err := LoadCloudConfig(raw)
	if err != nil {
		t.Fatalf("LoadCloudConfig: %v", err)
	}
	if len(cfg.SecurityGroupRules) != 2 {
		t.Fatalf("SecurityGroupRules = %v, want 2 entries", cfg.SecurityGroupRules)
	}
	want := SecurityGroupRule{Proto: "tcp", FromPort: 22, ToPort: 22, CIDR: "0.0.0.0/0"}
	if cfg.SecurityGroupRules[0] != want {
		t.Errorf("SecurityGroupRules[0] = %+v, want %+v", cfg.SecurityGroupRules[0], want)
	}
}

func TestLoadCloudConfig_SecurityGroupRules_BadEntry(t *testing.T) {
	raw := validCloudRaw()
	raw["securityGroupRules"] = "tcp:22:notaport:0.0.0.0/0"
	if _, err := LoadCloudConfig(raw); err == nil {
		t.Error("LoadCloudConfig() with a malformed rule succeeded, want error")
	}
}

func TestLoadCloudConfig_AppOverrides(t *testing.T) {
	raw := validCloudRaw()
	raw["gromacs_imageId"] = "ami-gromacs"
	raw["gromacs_instanceType"] = "c5.4xlarge"
	raw["blast_userData"] = "#!/bin/sh\necho blast"

	cfg, err := LoadCloudConfig(raw)
	if err != nil {
		t.Fatalf("LoadCloudConfig: %v", err)
	}
	g, ok := cfg.AppOverrides["gromacs"]
	if !ok {
		t.Fatal("AppOverrides missing \"gromacs\"")
	}
	if g.ImageID != "ami-gromacs" || g.InstanceType != "c5.4xlarge" {
		t.Errorf("AppOverrides[gromacs] = %+v, want ImageID=ami-gromacs InstanceType=c5.4xlarge", g)
	}
	if b, ok := cfg.AppOverrides["blast"]; !ok || b.UserData == "" {
		t.Errorf("AppOverrides[blast] = %+v, ok=%v, want non-empty UserData", b, ok)
	}
}
