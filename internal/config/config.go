package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/nixos-upgrade/internal/logging"
)

// DefaultPath is where the shutdown hook looks for the configuration.
const DefaultPath = "/etc/nix-upgrade.json"

// Defaults applied per field when the file omits them.
const (
	DefaultOperation     = "boot"
	DefaultNoBuildOutput = "--no-build-output"
	DefaultProbeTimeout  = 2 * time.Second
	DefaultRebootDelay   = "+1"
	DefaultRebootMessage = "NixOS upgrade requires reboot"
)

// Network check strategies.
const (
	StrategyTCP   = "tcp"
	StrategyDNS   = "dns"
	StrategyICMP  = "icmp"
	StrategyRoute = "route"
)

// Reboot methods.
const (
	RebootMethodShutdown = "shutdown"
	RebootMethodLogind   = "logind"
)

// MaxProbeTimeout caps the per-endpoint connect timeout.
const MaxProbeTimeout = 2 * time.Second

// DefaultEndpoints are tried in order by the network probe.
var DefaultEndpoints = []string{"8.8.8.8:53", "1.1.1.1:53"}

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// RebootWindow bounds the time of day during which a reboot may be triggered.
// Both bounds are zero-padded 24-hour "HH:MM" strings.
type RebootWindow struct {
	Lower string `json:"lower" yaml:"lower"`
	Upper string `json:"upper" yaml:"upper"`
}

// NetworkCheck selects how connectivity is established before upgrading.
type NetworkCheck struct {
	Strategy  string        `json:"strategy" yaml:"strategy"`
	Endpoints []string      `json:"endpoints" yaml:"endpoints"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
	Namespace string        `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// Reboot selects how a required reboot is triggered.
type Reboot struct {
	Method  string `json:"method" yaml:"method"`
	Delay   string `json:"delay" yaml:"delay"`
	Message string `json:"message" yaml:"message"`
}

// UpgradeConfig describes a single upgrade run. It is loaded once and never
// mutated afterwards.
type UpgradeConfig struct {
	Operation    string        `json:"operation" yaml:"operation"`
	Source       string        `json:"flake,omitempty" yaml:"flake,omitempty"`
	Channel      string        `json:"channel,omitempty" yaml:"channel,omitempty"`
	Flags        []string      `json:"flags" yaml:"flags"`
	AllowReboot  bool          `json:"allowReboot" yaml:"allowReboot"`
	RebootWindow *RebootWindow `json:"rebootWindow,omitempty" yaml:"rebootWindow,omitempty"`
	NetworkCheck NetworkCheck  `json:"networkCheck" yaml:"networkCheck"`
	Reboot       Reboot        `json:"reboot" yaml:"reboot"`
}

// HasSource reports whether a flake reference replaces the channel upgrade.
func (c UpgradeConfig) HasSource() bool {
	return c.Source != ""
}

// Default returns the configuration used when no file exists.
func Default() UpgradeConfig {
	return UpgradeConfig{
		Operation: DefaultOperation,
		Flags:     []string{DefaultNoBuildOutput},
		NetworkCheck: NetworkCheck{
			Strategy:  StrategyTCP,
			Endpoints: append([]string(nil), DefaultEndpoints...),
			Timeout:   DefaultProbeTimeout,
		},
		Reboot: Reboot{
			Method:  RebootMethodShutdown,
			Delay:   DefaultRebootDelay,
			Message: DefaultRebootMessage,
		},
	}
}

// Load reads the configuration at path. A missing file is not an error: the
// defaults are returned and a warning is logged. Fields absent from a present
// file fall back to their individual defaults.
func Load(path string, logger *slog.Logger) (UpgradeConfig, error) {
	logger = logging.Ensure(logger).With("component", "config", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("config file not found, using defaults")
			return Default(), nil
		}
		return UpgradeConfig{}, &ReadError{Path: path, Err: err}
	}

	var raw fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return UpgradeConfig{}, &ParseError{Path: path, Err: err}
	}

	cfg, err := raw.resolve()
	if err != nil {
		return UpgradeConfig{}, &ParseError{Path: path, Err: err}
	}
	logger.Debug("configuration loaded", "operation", cfg.Operation, "flake", cfg.Source, "allow_reboot", cfg.AllowReboot)
	return cfg, nil
}

// fileConfig mirrors the on-disk layout. Pointers and nil slices distinguish
// an omitted key from an explicit zero value.
type fileConfig struct {
	Operation    *string       `json:"operation" yaml:"operation"`
	Flake        *string       `json:"flake" yaml:"flake"`
	Source       *string       `json:"source" yaml:"source"`
	Channel      *string       `json:"channel" yaml:"channel"`
	Flags        *[]string     `json:"flags" yaml:"flags"`
	AllowReboot  *bool         `json:"allowReboot" yaml:"allowReboot"`
	RebootWindow *RebootWindow `json:"rebootWindow" yaml:"rebootWindow"`
	NetworkCheck *fileNetwork  `json:"networkCheck" yaml:"networkCheck"`
	Reboot       *fileReboot   `json:"reboot" yaml:"reboot"`
}

type fileNetwork struct {
	Strategy  *string   `json:"strategy" yaml:"strategy"`
	Endpoints *[]string `json:"endpoints" yaml:"endpoints"`
	Timeout   *string   `json:"timeout" yaml:"timeout"`
	Namespace *string   `json:"namespace" yaml:"namespace"`
}

type fileReboot struct {
	Method  *string `json:"method" yaml:"method"`
	Delay   *string `json:"delay" yaml:"delay"`
	Message *string `json:"message" yaml:"message"`
}

func (f fileConfig) resolve() (UpgradeConfig, error) {
	cfg := Default()

	if f.Operation != nil && strings.TrimSpace(*f.Operation) != "" {
		cfg.Operation = strings.TrimSpace(*f.Operation)
	}
	switch {
	case f.Flake != nil:
		cfg.Source = strings.TrimSpace(*f.Flake)
	case f.Source != nil:
		cfg.Source = strings.TrimSpace(*f.Source)
	}
	if f.Channel != nil {
		cfg.Channel = strings.TrimSpace(*f.Channel)
	}
	if f.Flags != nil {
		cfg.Flags = append([]string{}, (*f.Flags)...)
	}
	if f.AllowReboot != nil {
		cfg.AllowReboot = *f.AllowReboot
	}
	if f.RebootWindow != nil {
		window := *f.RebootWindow
		if err := validateWindow(window); err != nil {
			return UpgradeConfig{}, err
		}
		cfg.RebootWindow = &window
	}

	if n := f.NetworkCheck; n != nil {
		if n.Strategy != nil && *n.Strategy != "" {
			strategy := strings.ToLower(strings.TrimSpace(*n.Strategy))
			switch strategy {
			case StrategyTCP, StrategyDNS, StrategyICMP, StrategyRoute:
			default:
				return UpgradeConfig{}, fmt.Errorf("networkCheck.strategy %q is not one of tcp, dns, icmp, route", *n.Strategy)
			}
			cfg.NetworkCheck.Strategy = strategy
		}
		if n.Endpoints != nil {
			cfg.NetworkCheck.Endpoints = append([]string{}, (*n.Endpoints)...)
		}
		if n.Timeout != nil && *n.Timeout != "" {
			timeout, err := time.ParseDuration(*n.Timeout)
			if err != nil {
				return UpgradeConfig{}, fmt.Errorf("networkCheck.timeout: %w", err)
			}
			if timeout <= 0 || timeout > MaxProbeTimeout {
				return UpgradeConfig{}, fmt.Errorf("networkCheck.timeout must be in (0, %s], got %s", MaxProbeTimeout, timeout)
			}
			cfg.NetworkCheck.Timeout = timeout
		}
		if n.Namespace != nil {
			cfg.NetworkCheck.Namespace = strings.TrimSpace(*n.Namespace)
		}
	}

	if r := f.Reboot; r != nil {
		if r.Method != nil && *r.Method != "" {
			method := strings.ToLower(strings.TrimSpace(*r.Method))
			if method != RebootMethodShutdown && method != RebootMethodLogind {
				return UpgradeConfig{}, fmt.Errorf("reboot.method %q is not one of shutdown, logind", *r.Method)
			}
			cfg.Reboot.Method = method
		}
		if r.Delay != nil && *r.Delay != "" {
			cfg.Reboot.Delay = strings.TrimSpace(*r.Delay)
		}
		if r.Message != nil && *r.Message != "" {
			cfg.Reboot.Message = *r.Message
		}
		if err := validateDelay(cfg.Reboot); err != nil {
			return UpgradeConfig{}, err
		}
	}

	return cfg, nil
}

func validateWindow(window RebootWindow) error {
	if !clockPattern.MatchString(window.Lower) {
		return fmt.Errorf("rebootWindow.lower %q is not a zero-padded HH:MM time", window.Lower)
	}
	if !clockPattern.MatchString(window.Upper) {
		return fmt.Errorf("rebootWindow.upper %q is not a zero-padded HH:MM time", window.Upper)
	}
	return nil
}

// ParseRebootDelay converts the relative forms of a shutdown(8) time, "now" and
// "+m" minutes, into an offset.
func ParseRebootDelay(delay string) (time.Duration, error) {
	delay = strings.TrimSpace(delay)
	if delay == "" || delay == "now" {
		return 0, nil
	}
	if !strings.HasPrefix(delay, "+") {
		return 0, fmt.Errorf("unsupported reboot delay %q: expected \"now\" or \"+minutes\"", delay)
	}
	minutes, err := strconv.Atoi(strings.TrimPrefix(delay, "+"))
	if err != nil || minutes < 0 {
		return 0, fmt.Errorf("unsupported reboot delay %q: expected \"now\" or \"+minutes\"", delay)
	}
	return time.Duration(minutes) * time.Minute, nil
}

// validateDelay accepts what the selected method can schedule. shutdown(8)
// additionally takes an absolute HH:MM time; logind only gets an offset.
func validateDelay(reboot Reboot) error {
	if reboot.Method != RebootMethodLogind && clockPattern.MatchString(reboot.Delay) {
		return nil
	}
	if _, err := ParseRebootDelay(reboot.Delay); err != nil {
		return fmt.Errorf("reboot.delay: %w", err)
	}
	return nil
}
