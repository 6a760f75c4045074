package models

// Station is the first result of a nearest-station lookup, reduced to what the
// bridge renders.
type Station struct {
	ID            uint32  `json:"id"`
	Name          string  `json:"name"`
	NameLocalized *string `json:"nameLocalized,omitempty"`
	Lines         []Line  `json:"lines"`
}

type Line struct {
	ID            uint32  `json:"id"`
	ShortName     string  `json:"shortName"`
	LocalizedName *string `json:"localizedName,omitempty"`
}

// Locale decides which set of names is rendered.
type Locale int

const (
	LocaleDefault Locale = iota
	LocaleLocalized
)

// LocaleFromFlag resolves the optional `en` switch. Only an explicit true selects
// the localized names.
func LocaleFromFlag(en *bool) Locale {
	if en != nil && *en {
		return LocaleLocalized
	}
	return LocaleDefault
}

func (l Locale) String() string {
	if l == LocaleLocalized {
		return "localized"
	}
	return "default"
}

// CoordinateQuery is one validated /nearby request.
type CoordinateQuery struct {
	Latitude  float64
	Longitude float64
	Locale    Locale
}

// DisplayName returns the station name for the locale. A missing localized name
// renders as the empty string.
func (s *Station) DisplayName(locale Locale) string {
	if locale == LocaleLocalized {
		return deref(s.NameLocalized)
	}
	return s.Name
}

func (l *Line) DisplayName(locale Locale) string {
	if locale == LocaleLocalized {
		return deref(l.LocalizedName)
	}
	return l.ShortName
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
