package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// Feature is one tracked unit of work.
type Feature struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	Passes      bool   `json:"passes"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// featureList is the on-disk shape of feature_list.json.
type featureList struct {
	Features []Feature `json:"features"`
}

const statusRetries = 3

func (m *Manager) readFeatures() (*featureList, error) {
	data, err := os.ReadFile(m.featurePath())
	if os.IsNotExist(err) {
		return &featureList{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read feature list: %w", err)
	}
	var list featureList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode feature list: %w", err)
	}
	return &list, nil
}

func (m *Manager) writeFeatures(list *featureList) error {
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode feature list: %w", err)
	}
	tmp := m.featurePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write feature list: %w", err)
	}
	return os.Rename(tmp, m.featurePath())
}

// AddFeature registers a feature; adding an existing name is a no-op.
func (m *Manager) AddFeature(name, description string, priority int) error {
	return m.withLock(func() error {
		list, err := m.readFeatures()
		if err != nil {
			return err
		}
		for _, f := range list.Features {
			if f.Name == name {
				return nil
			}
		}
		list.Features = append(list.Features, Feature{
			Name:        name,
			Description: description,
			Priority:    priority,
			UpdatedAt:   m.now().UTC().Format(time.RFC3339),
		})
		return m.writeFeatures(list)
	})
}

// UpdateFeatureStatus sets a feature's passing state with bounded
// read-modify-write retries.
func (m *Manager) UpdateFeatureStatus(name string, passes bool) error {
	var lastErr error
	for attempt := 0; attempt < statusRetries; attempt++ {
		lastErr = m.withLock(func() error {
			list, err := m.readFeatures()
			if err != nil {
				return err
			}
			for i := range list.Features {
				if list.Features[i].Name == name {
					list.Features[i].Passes = passes
					list.Features[i].UpdatedAt = m.now().UTC().Format(time.RFC3339)
					return m.writeFeatures(list)
				}
			}
			return fmt.Errorf("feature %q not found", name)
		})
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// GetFeature returns a feature by name.
func (m *Manager) GetFeature(name string) (*Feature, error) {
	list, err := m.readFeatures()
	if err != nil {
		return nil, err
	}
	for i := range list.Features {
		if list.Features[i].Name == name {
			return &list.Features[i], nil
		}
	}
	return nil, fmt.Errorf("feature %q not found", name)
}

// GetNextFeature picks the unfinished feature with the lowest priority,
// breaking ties alphabetically.
func (m *Manager) GetNextFeature() (*Feature, error) {
	list, err := m.readFeatures()
	if err != nil {
		return nil, err
	}
	var pending []Feature
	for _, f := range list.Features {
		if !f.Passes {
			pending = append(pending, f)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].Name < pending[j].Name
	})
	next := pending[0]
	return &next, nil
}

// Summary reports feature counts and the next pointer.
type Summary struct {
	Total       int     `json:"total"`
	Passing     int     `json:"passing"`
	Rate        float64 `json:"rate"`
	NextFeature string  `json:"next_feature,omitempty"`
}

// GetProgressSummary computes the completion summary.
func (m *Manager) GetProgressSummary() (*Summary, error) {
	list, err := m.readFeatures()
	if err != nil {
		return nil, err
	}
	s := &Summary{Total: len(list.Features)}
	for _, f := range list.Features {
		if f.Passes {
			s.Passing++
		}
	}
	if s.Total > 0 {
		s.Rate = float64(s.Passing) / float64(s.Total)
	}
	if next, err := m.GetNextFeature(); err == nil && next != nil {
		s.NextFeature = next.Name
	}
	return s, nil
}
