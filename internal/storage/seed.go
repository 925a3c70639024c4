package storage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/foodshare/fulfillment/internal/models"
)

type volunteerSeed struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	TransportCapacity string   `yaml:"transport_capacity"`
	Campaigns         []string `yaml:"campaigns"`
}

// LoadVolunteers registers the volunteers listed in the YAML file at path and
// links each to its campaigns. Existing profiles with the same ID are replaced.
func (st *MemoryStore) LoadVolunteers(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read volunteers %s: %w", path, err)
	}
	var seeds []volunteerSeed
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return 0, fmt.Errorf("parse volunteers %s: %w", path, err)
	}
	for i, s := range seeds {
		if s.ID == "" {
			return 0, fmt.Errorf("volunteers %s: entry %d has no id: %w", path, i, models.ErrInvalidInput)
		}
		size, err := models.ParseSize(s.TransportCapacity)
		if err != nil {
			return 0, fmt.Errorf("volunteers %s: volunteer %s: %w", path, s.ID, err)
		}
		v := &models.VolunteerProfile{ID: s.ID, Name: s.Name, TransportCapacity: size}
		if err := st.AddVolunteer(v, s.Campaigns...); err != nil {
			return 0, err
		}
	}
	return len(seeds), nil
}
