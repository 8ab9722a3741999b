package rules

import "presencetrack/pkg/models"

// Engine tags resolved entities.
type Engine interface {
	Apply(entity *models.Entity) []models.RuleTag
}

// NoopEngine returns no tags.
type NoopEngine struct{}

// Apply returns an empty tag list.
func (n *NoopEngine) Apply(entity *models.Entity) []models.RuleTag {
	return nil
}
