// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package config

import (
	"encoding/json"
	"os"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"golang.org/x/xerrors"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/devbench-io/devbench/pkg/util"
)

const (
	// DefaultAgentBinaryName is the name of the agent binary the control plane serves
	DefaultAgentBinaryName = "devbench-agent"
	// DefaultWorkspaceImage is the image of the dev container if none is configured
	DefaultWorkspaceImage = "ghcr.io/devbench-io/workbench:latest"
	// DefaultDockerdImage is the image of the Docker daemon sidecar if none is configured
	DefaultDockerdImage = "docker:20.10-dind"
)

// ServiceConfiguration configures the devbench binary
type ServiceConfiguration struct {
	Provisioner Configuration `json:"provisioner"`

	// StateLocation is the desired-state file watched by `devbench run`
	StateLocation string `json:"stateLocation,omitempty"`
	// ResyncPeriod is how often `devbench run` reconciles all workspaces
	// independent of state file changes
	ResyncPeriod util.Duration `json:"resyncPeriod,omitempty"`

	PProf struct {
		Addr string `json:"address"`
	} `json:"pprof"`
	Prometheus struct {
		Addr string `json:"address"`
	} `json:"prometheus"`
}

// Configuration is everything the provisioner needs to converge the resources
// of one workspace
type Configuration struct {
	// Namespace is the Kubernetes namespace all workspace resources live in.
	// The namespace must pre-exist; devbench never creates it.
	Namespace string `json:"namespace"`
	// UseKubeconfig selects the cluster authentication mode: a kubeconfig file
	// when true, in-cluster service account credentials when false.
	UseKubeconfig bool `json:"useKubeconfig"`
	// Kubeconfig is the path of the kubeconfig file. Only effective when
	// UseKubeconfig is set. Defaults to the usual ~/.kube/config location.
	Kubeconfig string `json:"kubeconfig,omitempty"`
	// HomeDiskSizeGB is the capacity of a workspace home volume in gigabytes.
	// Must be at least 1.
	HomeDiskSizeGB int `json:"homeDiskSizeGB"`
	// ControlPlaneURL is the base URL of the workspace control plane. Agents
	// authenticate against it and the agent binary is downloaded from it.
	ControlPlaneURL string `json:"controlPlaneURL"`
	// AgentBinaryName is the name of the agent binary served at
	// {controlPlaneURL}/bin/{agentBinaryName}
	AgentBinaryName string `json:"agentBinaryName,omitempty"`
	// WorkspaceImage is the image of the dev container
	WorkspaceImage string `json:"workspaceImage,omitempty"`
	// DockerdImage is the image of the privileged Docker daemon sidecar
	DockerdImage string `json:"dockerdImage,omitempty"`
	// StorageClass overrides the storage class of workspace volumes when set
	StorageClass string `json:"storageClass,omitempty"`
	// PodTemplatePath points to a YAML pod template merged into every
	// workspace pod this provisioner produces
	PodTemplatePath string `json:"podTemplatePath,omitempty"`
	// Resources are the compute requests of the dev container
	Resources ResourceConfiguration `json:"resources,omitempty"`
}

// ResourceConfiguration holds the resource requests of the dev container
type ResourceConfiguration struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// Validate validates the configuration to catch issues during startup and not at runtime
func (c *Configuration) Validate() error {
	if c == nil {
		return xerrors.Errorf("configuration is missing")
	}

	return validation.ValidateStruct(c,
		validation.Field(&c.Namespace, validation.Required),
		validation.Field(&c.HomeDiskSizeGB, validation.Required, validation.Min(1)),
		validation.Field(&c.ControlPlaneURL, validation.Required, is.URL),
	)
}

// Validate validates the configuration of the whole service
func (c *ServiceConfiguration) Validate() error {
	if err := c.Provisioner.Validate(); err != nil {
		return xerrors.Errorf("provisioner: %w", err)
	}
	return nil
}

// AgentBinary returns the configured agent binary name or its default
func (c *Configuration) AgentBinary() string {
	if c.AgentBinaryName == "" {
		return DefaultAgentBinaryName
	}
	return c.AgentBinaryName
}

// Image returns the configured dev container image or its default
func (c *Configuration) Image() string {
	if c.WorkspaceImage == "" {
		return DefaultWorkspaceImage
	}
	return c.WorkspaceImage
}

// SidecarImage returns the configured dockerd image or its default
func (c *Configuration) SidecarImage() string {
	if c.DockerdImage == "" {
		return DefaultDockerdImage
	}
	return c.DockerdImage
}

// ClientConfig resolves the cluster authentication mode: a kubeconfig file
// when UseKubeconfig is set, in-cluster credentials otherwise.
func (c *Configuration) ClientConfig() (*rest.Config, error) {
	if c.UseKubeconfig {
		kubeconfig := c.Kubeconfig
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		res, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, xerrors.Errorf("cannot load kubeconfig %s: %w", kubeconfig, err)
		}
		return res, nil
	}

	res, err := rest.InClusterConfig()
	if err != nil {
		return nil, xerrors.Errorf("cannot use in-cluster config: %w", err)
	}
	return res, nil
}

// Read loads and validates the configuration from a JSON file
func Read(fn string) (*ServiceConfiguration, error) {
	fc, err := os.ReadFile(fn)
	if err != nil {
		return nil, xerrors.Errorf("cannot read configuration: %w", err)
	}

	var cfg ServiceConfiguration
	err = json.Unmarshal(fc, &cfg)
	if err != nil {
		return nil, xerrors.Errorf("cannot unmarshal configuration: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, xerrors.Errorf("config validation error: %w", err)
	}

	return &cfg, nil
}
