package runner

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/goccy/go-yaml"
	"github.com/leg100/jobq/internal"
)

type (
	// Profile describes how to provision an on-demand runner.
	Profile struct {
		Name string `yaml:"name" json:"name"`
		// PluginType is the task launcher used to start the runner, e.g.
		// docker or kubernetes. It is interpreted by the runner carrying out
		// the start-task job.
		PluginType string `yaml:"plugin_type" json:"plugin_type"`
		// Config for the task launcher.
		Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
		// Labels assigned to runners provisioned from this profile.
		Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
		// TargetLabels selects the runners that carry out the start-task and
		// stop-task jobs. If empty any runner may carry them out.
		TargetLabels map[string]string `yaml:"target_labels,omitempty" json:"target_labels,omitempty"`
	}

	// Profiles is a set of on-demand runner profiles keyed by name.
	Profiles map[string]*Profile

	profilesFile struct {
		Profiles []*Profile `yaml:"profiles"`
	}
)

// LoadProfiles reads on-demand runner profiles from a YAML file. An empty
// path yields no profiles.
func LoadProfiles(path string) (Profiles, error) {
	if path == "" {
		return Profiles{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading runner profiles: %w", err)
	}
	return ParseProfiles(b)
}

// ParseProfiles parses on-demand runner profiles from YAML.
func ParseProfiles(b []byte) (Profiles, error) {
	var file profilesFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("parsing runner profiles: %w", err)
	}
	profiles := make(Profiles, len(file.Profiles))
	for _, p := range file.Profiles {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, ok := profiles[p.Name]; ok {
			return nil, fmt.Errorf("duplicate runner profile: %s", p.Name)
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}

func (p *Profile) validate() error {
	if p.Name == "" {
		return &internal.MissingParameterError{Parameter: "name"}
	}
	if p.PluginType == "" {
		return &internal.MissingParameterError{Parameter: "plugin_type"}
	}
	return nil
}

func (p Profiles) Get(name string) (*Profile, error) {
	profile, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("runner profile %q: %w", name, internal.ErrResourceNotFound)
	}
	return profile, nil
}

func (p Profiles) Names() []string {
	return slices.Sorted(maps.Keys(p))
}

// TaskPayload is the payload of the start-task and stop-task jobs that
// launch and tear down an on-demand runner.
type TaskPayload struct {
	Profile    string            `json:"profile"`
	PluginType string            `json:"plugin_type"`
	RunnerID   string            `json:"runner_id"`
	Labels     map[string]string `json:"labels,omitempty"`
	Config     map[string]any    `json:"config,omitempty"`
}

// TaskPayload constructs the payload for a task job for the given runner.
func (p *Profile) TaskPayload(runnerID string) (json.RawMessage, error) {
	return json.Marshal(TaskPayload{
		Profile:    p.Name,
		PluginType: p.PluginType,
		RunnerID:   runnerID,
		Labels:     p.Labels,
		Config:     p.Config,
	})
}
