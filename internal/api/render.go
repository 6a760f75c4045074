package api

import (
	"strings"

	"github.com/bbernstein/nearby/internal/models"
)

// RenderStation formats a station as its name, a newline, and its line names
// joined with ", ".
func RenderStation(station *models.Station, locale models.Locale) string {
	names := make([]string, len(station.Lines))
	for i := range station.Lines {
		names[i] = station.Lines[i].DisplayName(locale)
	}
	return station.DisplayName(locale) + "\n" + strings.Join(names, ", ")
}
