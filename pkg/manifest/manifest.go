// Package manifest loads batch submission manifests: YAML or JSON files
// describing a set of tasks and standalone jobs to create in one shot,
// with shared resource defaults.
package manifest

import (
	"fmt"

	"github.com/htgrid/htgrid/pkg/model"
)

// CurrentVersion is the only manifest schema version in circulation.
const CurrentVersion = 1

// Manifest is a declarative submission: workflow tasks and standalone
// jobs, each optionally overriding the shared defaults.
type Manifest struct {
	Version  int        `yaml:"version" json:"version"`
	Defaults Defaults   `yaml:"defaults" json:"defaults"`
	Tasks    []TaskSpec `yaml:"tasks,omitempty" json:"tasks,omitempty"`
	Jobs     []JobSpec  `yaml:"jobs,omitempty" json:"jobs,omitempty"`
}

// Defaults are applied to every task and job that does not override them.
type Defaults struct {
	App           string `yaml:"app,omitempty" json:"app,omitempty"`
	Resource      string `yaml:"resource,omitempty" json:"resource,omitempty"`
	Cores         int    `yaml:"cores,omitempty" json:"cores,omitempty"`
	MemoryGB      int    `yaml:"memory_gb,omitempty" json:"memory_gb,omitempty"`
	WalltimeHours int    `yaml:"walltime_hours,omitempty" json:"walltime_hours,omitempty"`
}

// TaskSpec describes one workflow task seeded from a single input deck.
type TaskSpec struct {
	Title    string `yaml:"title" json:"title"`
	Workflow string `yaml:"workflow" json:"workflow"`
	// Input is the path to the input deck, relative to the manifest file.
	Input string `yaml:"input" json:"input"`

	Overrides `yaml:",inline" json:",inline"`
}

// JobSpec describes standalone jobs, one per file its patterns match.
type JobSpec struct {
	Title string `yaml:"title" json:"title"`
	// Inputs are glob patterns (doublestar syntax, so "decks/**/*.inp"
	// works), relative to the manifest file.
	Inputs []string `yaml:"inputs" json:"inputs"`

	Overrides `yaml:",inline" json:",inline"`
}

// Overrides are the per-entry counterparts of Defaults.
type Overrides struct {
	App           string `yaml:"app,omitempty" json:"app,omitempty"`
	Resource      string `yaml:"resource,omitempty" json:"resource,omitempty"`
	Cores         int    `yaml:"cores,omitempty" json:"cores,omitempty"`
	MemoryGB      int    `yaml:"memory_gb,omitempty" json:"memory_gb,omitempty"`
	WalltimeHours int    `yaml:"walltime_hours,omitempty" json:"walltime_hours,omitempty"`
}

// Request resolves the effective resource request for one entry.
func (o Overrides) Request(d Defaults) model.ResourceRequest {
	req := model.ResourceRequest{
		AppTag:        d.App,
		Resource:      d.Resource,
		Cores:         d.Cores,
		MemoryGB:      d.MemoryGB,
		WalltimeHours: d.WalltimeHours,
	}
	if o.App != "" {
		req.AppTag = o.App
	}
	if o.Resource != "" {
		req.Resource = o.Resource
	}
	if o.Cores > 0 {
		req.Cores = o.Cores
	}
	if o.MemoryGB > 0 {
		req.MemoryGB = o.MemoryGB
	}
	if o.WalltimeHours > 0 {
		req.WalltimeHours = o.WalltimeHours
	}
	return req
}

// ApplyDefaults fills in the version for manifests that omit it.
func (m *Manifest) ApplyDefaults() {
	if m.Version == 0 {
		m.Version = CurrentVersion
	}
}

// Validate checks structural requirements after loading.
func (m *Manifest) Validate() error {
	if m.Version != CurrentVersion {
		return fmt.Errorf("unsupported manifest version %d (want %d)", m.Version, CurrentVersion)
	}
	if len(m.Tasks) == 0 && len(m.Jobs) == 0 {
		return fmt.Errorf("manifest declares no tasks or jobs")
	}
	for i, t := range m.Tasks {
		if t.Title == "" {
			return fmt.Errorf("tasks[%d]: title is required", i)
		}
		if t.Workflow == "" {
			return fmt.Errorf("tasks[%d] %q: workflow is required", i, t.Title)
		}
		if t.Input == "" {
			return fmt.Errorf("tasks[%d] %q: input is required", i, t.Title)
		}
		if t.Request(m.Defaults).AppTag == "" {
			return fmt.Errorf("tasks[%d] %q: no app set and no default", i, t.Title)
		}
	}
	for i, j := range m.Jobs {
		if j.Title == "" {
			return fmt.Errorf("jobs[%d]: title is required", i)
		}
		if len(j.Inputs) == 0 {
			return fmt.Errorf("jobs[%d] %q: at least one input pattern is required", i, j.Title)
		}
		if j.Request(m.Defaults).AppTag == "" {
			return fmt.Errorf("jobs[%d] %q: no app set and no default", i, j.Title)
		}
	}
	return nil
}
