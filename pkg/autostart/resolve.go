package autostart

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rhuss/drivercore/pkg/api"
	"github.com/rhuss/drivercore/pkg/driver"
)

const (
	defaultHealthPath    = "/health"
	defaultContainerPort = 8080
)

// Resolve derives a LaunchSpec from a driver's deployment metadata. It fails
// with a ResolutionError when no runnable reference can be derived.
func Resolve(meta driver.Meta) (LaunchSpec, error) {
	d := meta.Deploy
	if d == nil {
		return LaunchSpec{}, resolutionError(meta.ID, "driver declares no deployment")
	}

	spec := LaunchSpec{
		DriverID:    meta.ID,
		Kind:        d.Kind,
		Command:     strings.TrimSpace(d.Command),
		Args:        slices.Clone(d.Args),
		Env:         maps.Clone(d.Env),
		Dir:         d.Dir,
		Image:       strings.TrimSpace(d.Image),
		Template:    strings.TrimSpace(d.Template),
		Namespace:   d.Namespace,
		Port:        d.Port,
		HealthCheck: d.HealthCheck,
		HealthPath:  d.HealthPath,
		Scheme:      d.Scheme,
		BasePath:    d.BasePath,
	}

	// Infer the kind from the single reference present.
	if spec.Kind == "" {
		switch {
		case spec.Command != "" && spec.Image == "" && spec.Template == "":
			spec.Kind = driver.DeployProcess
		case spec.Image != "" && spec.Command == "" && spec.Template == "":
			spec.Kind = driver.DeployContainer
		case spec.Template != "" && spec.Command == "" && spec.Image == "":
			spec.Kind = driver.DeploySandbox
		default:
			return LaunchSpec{}, resolutionError(meta.ID, "deployment kind is ambiguous or missing")
		}
	}

	switch spec.Kind {
	case driver.DeployProcess:
		if spec.Command == "" {
			return LaunchSpec{}, resolutionError(meta.ID, "process deployment has no command")
		}
	case driver.DeployContainer:
		if spec.Image == "" {
			return LaunchSpec{}, resolutionError(meta.ID, "container deployment has no image")
		}
		if spec.Port == 0 {
			spec.Port = defaultContainerPort
		}
	case driver.DeploySandbox:
		if spec.Template == "" {
			return LaunchSpec{}, resolutionError(meta.ID, "sandbox deployment has no template")
		}
		if spec.Port == 0 {
			spec.Port = defaultContainerPort
		}
	default:
		return LaunchSpec{}, resolutionError(meta.ID, fmt.Sprintf("unsupported deployment kind %q", spec.Kind))
	}

	if spec.HealthCheck == "" {
		spec.HealthCheck = "http"
	}
	if spec.HealthPath == "" {
		spec.HealthPath = defaultHealthPath
	}
	if spec.Scheme == "" {
		spec.Scheme = "http"
	}
	return spec, nil
}

func resolutionError(driverID, msg string) *api.Error {
	return &api.Error{Kind: api.KindResolution, DriverID: driverID, State: string(StateUnresolved), Message: msg}
}
