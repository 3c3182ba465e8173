// Package domain models NASA FIRMS active-fire detections and the wildfire
// risk heuristics derived from them.
//
// # Data Source
//
// Detections come from the FIRMS area API
// (https://firms.modaps.eosdis.nasa.gov/api/area/), which returns one row per
// satellite hotspot for a bounding box and a 1-10 day window. The same API has
// served several schema variants over the years:
//
//	MODIS:  latitude,longitude,brightness,scan,track,acq_date,acq_time,satellite,
//	        instrument,confidence,version,bright_t31,frp,daynight
//	VIIRS:  latitude,longitude,bright_ti4,scan,track,acq_date,acq_time,satellite,
//	        instrument,confidence,version,bright_ti5,frp,daynight
//
// Mirrors and exports rename columns freely (lat/lon, temp, confidence_level,
// fire_radiative_power). The alias table in fields.go maps every known variant
// onto one canonical record, [FireDetection].
//
// # FIRMS Data Conventions
//
// Confidence:
//
//	MODIS reports a 0-100 percentage ("87").
//	VIIRS reports a class: "l" (low), "n" (nominal), "h" (high).
//	Only numeric confidences contribute to the mean-confidence score component.
//
// Brightness:
//
//	Kelvin. MODIS channel 21/22 ("brightness") or VIIRS I-4 ("bright_ti4").
//
// Day/night flag:
//
//	"D" or "N". Longer spellings ("Day", "night") are reduced to the upper-cased
//	first letter.
//
// Missing values:
//
//	"", "null", "None" and "nan" are all treated as absent and fall through to
//	the next alias, then to the field default.
//
// # Risk Scoring
//
// [Score] is a deterministic weighted sum over whatever inputs are available:
//
//	detections:   count >=10 +3 | >=5 +2 | >=1 +1
//	intensity:    max brightness >400 +3 | >350 +2 | >300 +1
//	confidence:   mean numeric confidence >80 +2 | >50 +1
//	temperature:  >32C +3 | >27C +1
//	humidity:     <20% +4 | <30% +2
//	wind:         >15 m/s +3 | >8 m/s +1
//	PM2.5 index:  >200 +4 | >150 +3 | >100 +2 | >50 +1
//
// Totals map to levels: >=8 extreme, >=5 high, >=3 moderate, otherwise low.
// Scores are only comparable between assessments that share a [ScoringProfile],
// because each profile has a different maximum.
package domain
