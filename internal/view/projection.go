// Package view derives display state from presence registry contents.
package view

import "presencetrack/pkg/models"

// State is the read-only registry surface a projection needs.
type State interface {
	Entities() []models.Entity
	Lookup(id string) (models.Entity, bool)
	SelectedID() string
}

// View is the projected presence list plus the selected entity, if any.
type View struct {
	Entities []models.Entity `json:"entities"`
	Selected *models.Entity  `json:"selected"`
}

// Project computes the view of s. It has no side effects.
func Project(s State) View {
	v := View{Entities: s.Entities()}
	if v.Entities == nil {
		v.Entities = []models.Entity{}
	}
	if id := s.SelectedID(); id != "" {
		if e, ok := s.Lookup(id); ok {
			v.Selected = &e
		}
	}
	return v
}

// Len returns the number of entities in the view.
func (v View) Len() int {
	return len(v.Entities)
}
