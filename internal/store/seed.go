package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ecoroute/internal/model"
)

// Seed describes groups, access and devices to load at startup.
type Seed struct {
	Groups []SeedGroup `yaml:"groups"`
}

type SeedGroup struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Owner       string            `yaml:"owner"`
	Access      map[string]string `yaml:"access"` // userId -> role
	Devices     []SeedDevice      `yaml:"devices"`
}

type SeedDevice struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"`
	Lat        *float64 `yaml:"lat"`
	Lng        *float64 `yaml:"lng"`
	LastValue1 *float64 `yaml:"lastValue1"`
	LastValue2 *float64 `yaml:"lastValue2"`
}

// demoSeed mirrors the dashboard's offline bins around central Kolkata.
const demoSeed = `
groups:
  - id: demo
    name: Demo collection zone
    owner: demo-user
    access:
      operator: editor
      auditor: viewer
    devices:
      - {id: "1", name: Bin 1, type: DUSTBIN, lat: 22.5726, lng: 88.3639, lastValue1: 85}
      - {id: "2", name: Smart Bin A, type: SMART_BIN, lat: 22.5756, lng: 88.3699, lastValue1: 95, lastValue2: 80}
      - {id: "3", name: Bin 2, type: DUSTBIN, lat: 22.5781, lng: 88.3605, lastValue1: 60}
      - {id: "4", name: Smart Bin B, type: SMART_BIN, lat: 22.5800, lng: 88.3650, lastValue1: 40, lastValue2: 55}
      - {id: "5", name: Bin 3, type: DUSTBIN, lat: 22.5700, lng: 88.3580, lastValue1: 90}
`

// ParseSeed decodes a YAML seed document.
func ParseSeed(b []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	for i, g := range s.Groups {
		if g.ID == "" || g.Name == "" {
			return nil, fmt.Errorf("parse seed: group %d needs id and name", i)
		}
	}
	return &s, nil
}

// LoadSeedFile reads and parses a seed file.
func LoadSeedFile(path string) (*Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeed(b)
}

// DemoSeed returns the built-in demo zone.
func DemoSeed() *Seed {
	s, err := ParseSeed([]byte(demoSeed))
	if err != nil {
		panic(err)
	}
	return s
}

// Apply writes the seed into st. Existing records with the same ids are overwritten.
func (s *Seed) Apply(ctx context.Context, st Store) error {
	for _, g := range s.Groups {
		if _, err := st.CreateGroup(ctx, model.Group{ID: g.ID, Name: g.Name, Description: g.Description, OwnerID: g.Owner}); err != nil {
			return fmt.Errorf("seed group %s: %w", g.ID, err)
		}
		for user, role := range g.Access {
			if _, err := st.GrantAccess(ctx, model.AccessEntry{GroupID: g.ID, UserID: user, Role: role}); err != nil {
				return fmt.Errorf("seed access %s/%s: %w", g.ID, user, err)
			}
		}
		for _, d := range g.Devices {
			dev := model.Device{
				ID: d.ID, Name: d.Name, Type: d.Type, GroupID: g.ID,
				Lat: d.Lat, Lng: d.Lng, LastValue1: d.LastValue1, LastValue2: d.LastValue2,
			}
			if _, err := st.UpsertDevice(ctx, dev); err != nil {
				return fmt.Errorf("seed device %s: %w", d.ID, err)
			}
		}
	}
	return nil
}
