package search

import "github.com/hyperjump/kioku/internal/models"

// ProcessQuery validates the query and applies the engine's k defaults.
func (e *Engine) ProcessQuery(query *models.RetrieveQuery) error {
	return query.Validate(e.options.DefaultK, e.options.MaxK)
}
