package api

import (
	"fmt"

	"github.com/gin-gonic/gin/binding"

	"github.com/bbernstein/nearby/internal/models"
)

const (
	ParamLatitude  = "latitude"
	ParamLongitude = "longitude"
	ParamEn        = "en"
)

// ParamError is a rejected /nearby query. Its message is sent to the client
// verbatim.
type ParamError struct {
	Param   string
	Missing bool
	Err     error
}

func (e *ParamError) Error() string {
	if e.Missing {
		return fmt.Sprintf("ERROR! The parameter `%s` isn't present.", e.Param)
	}
	return fmt.Sprintf("ERROR! The parameter `%s` is invalid.", e.Param)
}

func (e *ParamError) Unwrap() error {
	return e.Err
}

// ParseNearbyParams turns query parameters into a CoordinateQuery. Malformed
// values are reported before missing ones; latitude is checked before longitude.
func ParseNearbyParams(form map[string][]string) (*models.CoordinateQuery, error) {
	lat, err := bindParam[float64](form, ParamLatitude)
	if err != nil {
		return nil, err
	}
	lon, err := bindParam[float64](form, ParamLongitude)
	if err != nil {
		return nil, err
	}
	en, err := bindFlag(form, ParamEn)
	if err != nil {
		return nil, err
	}

	if lat == nil {
		return nil, &ParamError{Param: ParamLatitude, Missing: true}
	}
	if lon == nil {
		return nil, &ParamError{Param: ParamLongitude, Missing: true}
	}

	return &models.CoordinateQuery{
		Latitude:  *lat,
		Longitude: *lon,
		Locale:    models.LocaleFromFlag(en),
	}, nil
}

// FromSingleValues adapts API Gateway's single-value query map.
func FromSingleValues(params map[string]string) map[string][]string {
	form := make(map[string][]string, len(params))
	for k, v := range params {
		form[k] = []string{v}
	}
	return form
}

// bindFlag binds a boolean parameter, accepting only the literals true and
// false; gin alone would also take 1, t or TRUE.
func bindFlag(form map[string][]string, name string) (*bool, error) {
	if values := form[name]; len(values) > 0 && values[0] != "true" && values[0] != "false" {
		return nil, &ParamError{Param: name, Err: fmt.Errorf("want true or false, got %q", values[0])}
	}
	return bindParam[bool](form, name)
}

// bindParam decodes one query parameter with gin's form binding. An absent
// parameter yields nil.
func bindParam[T any](form map[string][]string, name string) (*T, error) {
	values, ok := form[name]
	if !ok || len(values) == 0 {
		return nil, nil
	}
	if values[0] == "" {
		return nil, &ParamError{Param: name, Err: fmt.Errorf("empty value")}
	}

	var dst struct {
		Value *T `form:"value"`
	}
	if err := binding.MapFormWithTag(&dst, map[string][]string{"value": values[:1]}, "form"); err != nil {
		return nil, &ParamError{Param: name, Err: err}
	}
	return dst.Value, nil
}
