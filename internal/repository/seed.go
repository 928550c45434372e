package repository

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Seed is a YAML description of flows and the directory data their approvers
// resolve against. It bootstraps the in-memory store and fresh databases.
type Seed struct {
	CompanyID         int64                  `yaml:"company_id"`
	Users             []UserRef              `yaml:"users"`
	Groups            []SeedGroup            `yaml:"groups"`
	Departments       []SeedDepartment       `yaml:"departments"`
	AssetCoordinators []SeedAssetCoordinator `yaml:"asset_coordinators"`
	Flows             []SeedFlow             `yaml:"flows"`
}

type SeedGroup struct {
	ID      int64   `yaml:"id"`
	Name    string  `yaml:"name"`
	Members []int64 `yaml:"members"`
}

type SeedDepartment struct {
	ID       int64   `yaml:"id"`
	Name     string  `yaml:"name"`
	Managers []int64 `yaml:"managers"`
	Heads    []int64 `yaml:"heads"`
	Staff    []int64 `yaml:"staff"`
}

// Members returns the department's users at the given level.
func (d SeedDepartment) Members(level JobLevel) []int64 {
	switch level {
	case JobLevelManager:
		return d.Managers
	case JobLevelHead:
		return d.Heads
	case JobLevelStaff:
		return d.Staff
	}
	return nil
}

type SeedAssetCoordinator struct {
	CategoryID int64   `yaml:"category_id"`
	Users      []int64 `yaml:"users"`
}

type SeedFlow struct {
	Type     string     `yaml:"type"`
	Label    string     `yaml:"label"`
	IsActive *bool      `yaml:"is_active"`
	Steps    []SeedStep `yaml:"steps"`
}

type SeedStep struct {
	Name      string         `yaml:"name"`
	Order     int            `yaml:"order"`
	Condition string         `yaml:"condition"`
	Approvers []SeedApprover `yaml:"approvers"`
}

type SeedApprover struct {
	Type string `yaml:"type"`
	Data string `yaml:"data"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates seed YAML.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}
	if seed.CompanyID == 0 {
		seed.CompanyID = 1
	}
	for i := range seed.Flows {
		if _, _, err := seed.Flows[i].Build(seed.CompanyID); err != nil {
			return nil, err
		}
	}
	return &seed, nil
}

// Build converts the seed flow into a Flow and its Steps. IDs are left zero
// for the store to assign. Step orders must be unique.
func (f SeedFlow) Build(companyID int64) (*Flow, []*Step, error) {
	if strings.TrimSpace(f.Type) == "" {
		return nil, nil, fmt.Errorf("seed flow without type")
	}
	active := true
	if f.IsActive != nil {
		active = *f.IsActive
	}
	flow := &Flow{CompanyID: companyID, Type: f.Type, Label: f.Label, IsActive: active}

	orders := make(map[int]string, len(f.Steps))
	steps := make([]*Step, 0, len(f.Steps))
	for _, s := range f.Steps {
		if other, dup := orders[s.Order]; dup {
			return nil, nil, fmt.Errorf("flow %s: steps %q and %q share order %d", f.Type, other, s.Name, s.Order)
		}
		orders[s.Order] = s.Name

		step := &Step{Order: s.Order, Name: s.Name}
		if cond := strings.TrimSpace(s.Condition); cond != "" {
			step.Condition = &cond
		}
		for _, a := range s.Approvers {
			spec, err := ParseApproverSpec(a.Type, a.Data)
			if err != nil {
				return nil, nil, fmt.Errorf("flow %s step %q: %w", f.Type, s.Name, err)
			}
			step.Approvers = append(step.Approvers, spec)
		}
		steps = append(steps, step)
	}
	SortSteps(steps)
	return flow, steps, nil
}
