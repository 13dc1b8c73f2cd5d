package driver

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/rhuss/drivercore/pkg/api"
)

// Recognized capability flags. Declaring one of these requires a binding;
// other declared flags are kept in Meta but never routed.
const (
	CapHealthcheck = "healthcheck"
	CapCache       = "cache"
	CapStatus      = "status"
	CapStream      = "stream"
)

// RecognizedCapabilities lists the flags the dispatcher routes.
var RecognizedCapabilities = []string{CapHealthcheck, CapCache, CapStatus, CapStream}

// IsRecognized reports whether flag is a recognized capability.
func IsRecognized(flag string) bool {
	return slices.Contains(RecognizedCapabilities, flag)
}

// Launcher kinds for Deployment.Kind.
const (
	DeployProcess   = "process"
	DeployContainer = "container"
	DeploySandbox   = "sandbox"
)

// Deployment describes how the autostarter materializes a driver backend.
type Deployment struct {
	// Kind selects the launcher: process, container or sandbox.
	Kind string `yaml:"kind" json:"kind"`

	// Command and Args start a local process (kind: process).
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty" json:"dir,omitempty"`

	// Image is the OCI image (kind: container).
	Image string `yaml:"image,omitempty" json:"image,omitempty"`

	// Template and Namespace select a sandbox template (kind: sandbox).
	Template  string `yaml:"template,omitempty" json:"template,omitempty"`
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`

	// Port is the port the backend listens on inside its sandbox. Zero
	// lets the process launcher pick a free port.
	Port int `yaml:"port,omitempty" json:"port,omitempty"`

	// HealthCheck is "http" (default) or "tcp".
	HealthCheck string `yaml:"health_check,omitempty" json:"health_check,omitempty"`

	// HealthPath is the HTTP health path (default: /health).
	HealthPath string `yaml:"health_path,omitempty" json:"health_path,omitempty"`

	// Scheme and BasePath shape the resulting endpoint URL.
	Scheme   string `yaml:"scheme,omitempty" json:"scheme,omitempty"`
	BasePath string `yaml:"base_path,omitempty" json:"base_path,omitempty"`
}

func (d *Deployment) clone() *Deployment {
	if d == nil {
		return nil
	}
	c := *d
	c.Args = slices.Clone(d.Args)
	if d.Env != nil {
		c.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			c.Env[k] = v
		}
	}
	return &c
}

// Meta is the immutable identity and capability declaration of a driver.
type Meta struct {
	ID           string      `yaml:"id" json:"id"`
	Prefix       string      `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Description  string      `yaml:"description,omitempty" json:"description,omitempty"`
	Protocol     string      `yaml:"protocol" json:"protocol"`
	Transport    string      `yaml:"transport" json:"transport"`
	SpecFormat   string      `yaml:"spec_format" json:"spec_format"`
	TargetLLMs   []string    `yaml:"target_llms,omitempty" json:"target_llms"`
	Capabilities []string    `yaml:"capabilities,omitempty" json:"capabilities"`
	Version      string      `yaml:"version" json:"version"`
	Deploy       *Deployment `yaml:"deploy,omitempty" json:"deploy,omitempty"`
}

var refPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Validate checks the invariants of a driver declaration. All problems are
// reported together as one InvalidConfig error.
func (m Meta) Validate() error {
	var errs []error

	if m.ID == "" {
		errs = append(errs, errors.New("id is required"))
	} else if !refPattern.MatchString(m.ID) {
		errs = append(errs, fmt.Errorf("id %q must start with a letter or digit and contain only letters, digits, '.', '_' or '-'", m.ID))
	}
	if m.Prefix != "" && !refPattern.MatchString(m.Prefix) {
		errs = append(errs, fmt.Errorf("prefix %q contains invalid characters", m.Prefix))
	}
	if m.Protocol == "" {
		errs = append(errs, errors.New("protocol is required"))
	}
	if m.SpecFormat == "" {
		errs = append(errs, errors.New("spec_format is required"))
	}
	if !ValidVersion(m.Version) {
		errs = append(errs, fmt.Errorf("version %q is not a semantic version (MAJOR.MINOR.PATCH)", m.Version))
	}
	seen := make(map[string]bool, len(m.Capabilities))
	for _, c := range m.Capabilities {
		if c == "" {
			errs = append(errs, errors.New("capability flags must not be empty"))
			continue
		}
		if seen[c] {
			errs = append(errs, fmt.Errorf("capability %q declared twice", c))
		}
		seen[c] = true
	}
	if m.Deploy != nil {
		errs = append(errs, m.Deploy.validate()...)
	}

	if len(errs) == 0 {
		return nil
	}
	return api.Wrap(api.KindInvalidConfig, m.ID, errors.Join(errs...), "invalid driver declaration")
}

func (d *Deployment) validate() []error {
	var errs []error
	switch d.Kind {
	case DeployProcess:
		if d.Command == "" {
			errs = append(errs, errors.New("deploy.command is required for process deployments"))
		}
	case DeployContainer:
		if d.Image == "" {
			errs = append(errs, errors.New("deploy.image is required for container deployments"))
		}
		if d.Port == 0 {
			errs = append(errs, errors.New("deploy.port is required for container deployments"))
		}
	case DeploySandbox:
		if d.Template == "" {
			errs = append(errs, errors.New("deploy.template is required for sandbox deployments"))
		}
	case "":
		// Resolved at launch time; an empty kind yields a ResolutionError.
	default:
		errs = append(errs, fmt.Errorf("deploy.kind %q is not one of process, container, sandbox", d.Kind))
	}
	if d.Port < 0 || d.Port > 65535 {
		errs = append(errs, fmt.Errorf("deploy.port %d out of range", d.Port))
	}
	switch d.HealthCheck {
	case "", "http", "tcp", "none":
	default:
		errs = append(errs, fmt.Errorf("deploy.health_check %q must be http, tcp or none", d.HealthCheck))
	}
	return errs
}

// ValidVersion reports whether v is a full semantic version such as
// "1.2.3" or "v2.0.0-rc.1". Shorthands like "1.2" are rejected.
func ValidVersion(v string) bool {
	if v == "" {
		return false
	}
	sv := "v" + strings.TrimPrefix(v, "v")
	if !semver.IsValid(sv) {
		return false
	}
	core, _, _ := strings.Cut(sv, "-")
	core, _, _ = strings.Cut(core, "+")
	return strings.Count(core, ".") == 2
}

// Ref returns the reference callers should use as call target: the prefix
// when set, otherwise the id.
func (m Meta) Ref() string {
	if m.Prefix != "" {
		return m.Prefix
	}
	return m.ID
}

// HasCapability reports whether flag is declared.
func (m Meta) HasCapability(flag string) bool {
	return slices.Contains(m.Capabilities, flag)
}

// Autostart reports whether the driver's backend is launched on demand.
func (m Meta) Autostart() bool {
	return m.Deploy != nil
}

// Clone returns a deep copy.
func (m Meta) Clone() Meta {
	c := m
	c.TargetLLMs = slices.Clone(m.TargetLLMs)
	c.Capabilities = slices.Clone(m.Capabilities)
	c.Deploy = m.Deploy.clone()
	return c
}
