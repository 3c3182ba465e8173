package domain

import "fmt"

// FieldKind is the target type a raw value is coerced to.
type FieldKind int

const (
	KindString FieldKind = iota
	KindFloat
	KindDate
)

// Canonical field names.
const (
	FieldLatitude   = "latitude"
	FieldLongitude  = "longitude"
	FieldBrightness = "brightness"
	FieldAcqDate    = "acq_date"
	FieldConfidence = "confidence"
	FieldFRP        = "frp"
	FieldDayNight   = "daynight"
	FieldSensor     = "satellite"
)

// FieldSpec declares how one canonical field is located in an upstream row.
type FieldSpec struct {
	Name     string
	Aliases  []string // searched in order after Name
	Kind     FieldKind
	Default  any // float64 or string; nil means no default. KindDate defaults to today (UTC).
	Required bool
}

// HasDefault reports whether a missing value can be filled.
func (f FieldSpec) HasDefault() bool {
	return f.Default != nil || f.Kind == KindDate
}

// fieldSpecs is the alias table. New upstream schema variants are added here.
var fieldSpecs = []FieldSpec{
	{
		Name:     FieldLatitude,
		Aliases:  []string{"lat", "Latitude", "LATITUDE", "Lat", "y"},
		Kind:     KindFloat,
		Required: true,
	},
	{
		Name:     FieldLongitude,
		Aliases:  []string{"lon", "lng", "long", "Longitude", "LONGITUDE", "Lon", "x"},
		Kind:     KindFloat,
		Required: true,
	},
	{
		Name:     FieldBrightness,
		Aliases:  []string{"bright_ti4", "brightness_temperature", "temp", "bright_t31", "Brightness", "BRIGHTNESS"},
		Kind:     KindFloat,
		Default:  0.0,
		Required: true,
	},
	{
		Name:     FieldAcqDate,
		Aliases:  []string{"acquisition_date", "acq_datetime", "date", "Date", "ACQ_DATE"},
		Kind:     KindDate,
		Required: true,
	},
	{
		Name:    FieldConfidence,
		Aliases: []string{"confidence_level", "conf", "Confidence", "CONFIDENCE"},
		Kind:    KindString,
		Default: "medium",
	},
	{
		Name:    FieldFRP,
		Aliases: []string{"fire_radiative_power", "FRP", "power"},
		Kind:    KindFloat,
		Default: 0.0,
	},
	{
		Name:    FieldDayNight,
		Aliases: []string{"day_night", "dn", "DayNight", "DAYNIGHT"},
		Kind:    KindString,
		Default: "D",
	},
	{
		Name:    FieldSensor,
		Aliases: []string{"sensor", "instrument", "source", "Satellite", "SATELLITE"},
		Kind:    KindString,
		Default: "0",
	},
}

var fieldIndex = func() map[string]int {
	idx := make(map[string]int, len(fieldSpecs))
	for i, f := range fieldSpecs {
		idx[f.Name] = i
	}
	return idx
}()

// LookupField returns the spec for a canonical field name. Unknown names are a
// programming error and panic.
func LookupField(name string) FieldSpec {
	i, ok := fieldIndex[name]
	if !ok {
		panic(fmt.Sprintf("domain: unknown canonical field %q", name))
	}
	return fieldSpecs[i]
}

// FieldSpecs returns the alias table in declaration order.
func FieldSpecs() []FieldSpec {
	out := make([]FieldSpec, len(fieldSpecs))
	copy(out, fieldSpecs)
	return out
}
