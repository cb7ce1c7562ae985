// Package config loads the agent's TOML configuration file, covering
// the [tls]/[provision]/[uptane]/[storage]/[pacman]/[bootloader]/
// [telemetry]/[logger]/[p11] surface.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the full recognized configuration surface.
type Config struct {
	TLS        TLSConfig        `toml:"tls"`
	Provision  ProvisionConfig  `toml:"provision"`
	Uptane     UptaneConfig     `toml:"uptane"`
	Storage    StorageConfig    `toml:"storage"`
	Pacman     PacmanConfig     `toml:"pacman"`
	Bootloader BootloaderConfig `toml:"bootloader"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Logger     LoggerConfig     `toml:"logger"`
	P11        P11Config        `toml:"p11"`
}

type TLSConfig struct {
	Server        string `toml:"server"`
	ServerURLPath string `toml:"server_url_path"`
	CASource      string `toml:"ca_source"`
	PkeySource    string `toml:"pkey_source"`
	CertSource    string `toml:"cert_source"`
}

type ProvisionConfig struct {
	Server                   string `toml:"server"`
	P12Password              string `toml:"p12_password"`
	ProvisionPath            string `toml:"provision_path"`
	Mode                     string `toml:"mode"` // "SharedCred" or "DeviceCred"
	DeviceID                 string `toml:"device_id"`
	PrimaryEcuSerial         string `toml:"primary_ecu_serial"`
	PrimaryEcuHardwareID     string `toml:"primary_ecu_hardware_id"`
	EcuRegistrationEndpoint  string `toml:"ecu_registration_endpoint"`
	ExpiryDays               int    `toml:"expiry_days"`
}

type UptaneConfig struct {
	PollingSec                 int    `toml:"polling_sec"`
	DirectorServer             string `toml:"director_server"`
	RepoServer                 string `toml:"repo_server"`
	KeySource                  string `toml:"key_source"`
	KeyType                    string `toml:"key_type"`
	ForceInstallCompletion     bool   `toml:"force_install_completion"`
	SecondaryConfigFile        string `toml:"secondary_config_file"`
	SecondaryPreinstallWaitSec int    `toml:"secondary_preinstall_wait_sec"`
}

type StorageConfig struct {
	Type string `toml:"type"` // "FileSystem" or "Sqlite"
	Path string `toml:"path"`
}

type PacmanConfig struct {
	Type           string            `toml:"type"`
	Sysroot        string            `toml:"sysroot"`
	OstreeServer   string            `toml:"ostree_server"`
	FakeNeedReboot bool              `toml:"fake_need_reboot"`
	Extra          map[string]string `toml:"extra"`
}

type BootloaderConfig struct {
	RollbackMode      string `toml:"rollback_mode"` // "None", "UbootGeneric", "UbootMasked"
	RebootSentinelDir string `toml:"reboot_sentinel_dir"`
	RebootSentinel    string `toml:"reboot_sentinel_name"`
	RebootCommand     string `toml:"reboot_command"`
}

type TelemetryConfig struct {
	ReportNetwork bool `toml:"report_network"`
	ReportConfig  bool `toml:"report_config"`
}

// LoggerConfig holds the raw 0..5 level the config file defines;
// Level() maps it onto the zerolog-shaped names pkg/log expects.
type LoggerConfig struct {
	LogLevel int `toml:"loglevel"` // 0=trace .. 5=fatal
}

func (l LoggerConfig) Level() string {
	switch {
	case l.LogLevel <= 0:
		return "debug"
	case l.LogLevel == 1:
		return "debug"
	case l.LogLevel == 2:
		return "info"
	case l.LogLevel == 3:
		return "warn"
	default:
		return "error"
	}
}

type P11Config struct {
	Module          string `toml:"module"`
	Pass            string `toml:"pass"`
	UptaneKeyID     string `toml:"uptane_key_id"`
	TLSCACertID     string `toml:"tls_cacert_id"`
	TLSPkeyID       string `toml:"tls_pkey_id"`
	TLSClientCertID string `toml:"tls_clientcert_id"`
}

// Load reads and parses a TOML config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// SecondaryEntry is one row of the YAML secondary_config_file: the
// static address book of off-box IP-Uptane Secondaries a Primary
// dials at startup.
type SecondaryEntry struct {
	Serial     string `yaml:"serial"`
	HardwareID string `yaml:"hardware_id"`
	Address    string `yaml:"address"`
}

// LoadSecondaries parses the YAML file named by
// UptaneConfig.SecondaryConfigFile.
func LoadSecondaries(path string) ([]SecondaryEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secondary config %s: %w", path, err)
	}
	var entries []SecondaryEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse secondary config %s: %w", path, err)
	}
	return entries, nil
}
