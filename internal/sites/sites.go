// Package sites holds the multi-account site registry.
//
// A site is one remote learning-platform account: base URL, webservice token,
// the user id the token belongs to, and the local data directory where that
// site's queue database and staged attachments live. The registry is a small
// YAML file so the engine never assumes a single global account.
package sites

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Site describes one configured account.
type Site struct {
	ID      string `yaml:"id"`
	BaseURL string `yaml:"baseurl"`
	Token   string `yaml:"token"`
	UserID  int64  `yaml:"userid"`
	DataDir string `yaml:"datadir"`
}

// Validate checks that the site entry is usable.
func (s *Site) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("site id is required")
	}
	if s.BaseURL == "" {
		return fmt.Errorf("site %s: baseurl is required", s.ID)
	}
	if s.UserID <= 0 {
		return fmt.Errorf("site %s: userid is required", s.ID)
	}
	return nil
}

// QueuePath returns the path of the site's queue database.
func (s *Site) QueuePath() string {
	return filepath.Join(s.DataDir, "queue.db")
}

// Registry is the parsed sites file.
type Registry struct {
	defaultID string
	sites     map[string]Site
	order     []string
}

type registryFile struct {
	Default string `yaml:"default"`
	Sites   []Site `yaml:"sites"`
}

// Load reads and validates a sites YAML file.
//
// Format:
//
//	default: campus
//	sites:
//	  - id: campus
//	    baseurl: https://moodle.example.edu
//	    token: abcdef
//	    userid: 42
//	    datadir: /home/me/.forumqueue/campus
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sites file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse sites file: %w", err)
	}
	if len(file.Sites) == 0 {
		return nil, fmt.Errorf("sites file %s declares no sites", path)
	}

	reg := &Registry{
		defaultID: file.Default,
		sites:     make(map[string]Site, len(file.Sites)),
	}
	for _, site := range file.Sites {
		if err := site.Validate(); err != nil {
			return nil, err
		}
		if _, dup := reg.sites[site.ID]; dup {
			return nil, fmt.Errorf("duplicate site id %q", site.ID)
		}
		if site.DataDir == "" {
			site.DataDir = filepath.Join(filepath.Dir(path), site.ID)
		}
		reg.sites[site.ID] = site
		reg.order = append(reg.order, site.ID)
	}

	if reg.defaultID == "" {
		reg.defaultID = reg.order[0]
	}
	if _, ok := reg.sites[reg.defaultID]; !ok {
		return nil, fmt.Errorf("default site %q is not declared", reg.defaultID)
	}

	return reg, nil
}

// Get returns a site by id.
func (r *Registry) Get(id string) (Site, error) {
	site, ok := r.sites[id]
	if !ok {
		return Site{}, fmt.Errorf("unknown site %q", id)
	}
	return site, nil
}

// Default returns the default site.
func (r *Registry) Default() Site {
	return r.sites[r.defaultID]
}

// IDs returns the declared site ids in file order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}
