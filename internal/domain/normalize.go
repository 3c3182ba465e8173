package domain

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// PayloadKind tags how a raw upstream body is decoded.
type PayloadKind int

const (
	PayloadEmpty PayloadKind = iota
	PayloadTabular
	PayloadStructured
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadTabular:
		return "tabular"
	case PayloadStructured:
		return "structured"
	default:
		return "empty"
	}
}

// Payload is a raw body whose format has been decided once, up front.
type Payload struct {
	Kind PayloadKind
	Body []byte // byte-order mark removed
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DetectPayload sniffs the first non-whitespace byte: '{' or '[' means JSON,
// anything else is delimited text with a header line.
func DetectPayload(raw []byte) Payload {
	body := bytes.TrimPrefix(raw, utf8BOM)
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Payload{Kind: PayloadEmpty}
	}
	switch trimmed[0] {
	case '{', '[':
		return Payload{Kind: PayloadStructured, Body: trimmed}
	default:
		return Payload{Kind: PayloadTabular, Body: trimmed}
	}
}

// row is one upstream record keyed by its original column or property name.
type row map[string]string

// rowDecoder turns a payload body into rows. Rows that cannot be decoded are
// reported through skip and left out.
type rowDecoder interface {
	decode(body []byte, skip func(index int, reason string)) ([]row, error)
}

func decoderFor(kind PayloadKind) rowDecoder {
	switch kind {
	case PayloadTabular:
		return tabularDecoder{}
	case PayloadStructured:
		return structuredDecoder{}
	default:
		return nil
	}
}

type tabularDecoder struct{}

func (tabularDecoder) decode(body []byte, skip func(int, string)) ([]row, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = trimField(header[i])
	}
	for _, name := range []string{FieldLatitude, FieldLongitude} {
		if !hasColumn(header, LookupField(name)) {
			return nil, fmt.Errorf("header has no %s column", name)
		}
	}

	var rows []row
	for index := 0; ; index++ {
		values, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				skip(index, "unparsable line")
				continue
			}
			return rows, fmt.Errorf("read line %d: %w", index+2, err)
		}
		if len(values) != len(header) {
			skip(index, fmt.Sprintf("column count %d does not match header count %d", len(values), len(header)))
			continue
		}
		rec := make(row, len(header))
		for i, name := range header {
			rec[name] = trimField(values[i])
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

func hasColumn(header []string, spec FieldSpec) bool {
	for _, col := range header {
		if col == spec.Name || slices.Contains(spec.Aliases, col) {
			return true
		}
	}
	return false
}

// trimField strips surrounding whitespace and quote characters.
func trimField(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"'`))
}

type structuredDecoder struct{}

func (structuredDecoder) decode(body []byte, skip func(int, string)) ([]row, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	items, err := recordList(doc)
	if err != nil {
		return nil, err
	}

	rows := make([]row, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			skip(i, "record is not an object")
			continue
		}
		rows = append(rows, objectRow(obj))
	}
	return rows, nil
}

// recordList accepts a top-level array or an object holding the array under
// "data" (FIRMS JSON) or "fires" (cached fetch envelopes).
func recordList(doc any) ([]any, error) {
	switch v := doc.(type) {
	case []any:
		return v, nil
	case map[string]any:
		for _, key := range []string{"data", "fires"} {
			if list, ok := v[key].([]any); ok {
				return list, nil
			}
		}
		return nil, errors.New("json object has no data list")
	default:
		return nil, fmt.Errorf("unexpected json document of type %T", doc)
	}
}

func objectRow(obj map[string]any) row {
	rec := make(row, len(obj))
	for k, v := range obj {
		if s, ok := scalarString(v); ok {
			rec[k] = s
		}
	}
	return rec
}

// scalarString renders a JSON scalar as text. Nested values are not fields.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return strings.TrimSpace(t), true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// DropReason explains why a row was left out of the normalized output.
type DropReason string

const (
	DropMalformed    DropReason = "malformed"
	DropMissingField DropReason = "missing_required_field"
	DropOutOfRange   DropReason = "coordinates_out_of_range"
	DropUndecodable  DropReason = "undecodable_payload"
)

// NormalizerOption configures a Normalizer.
type NormalizerOption func(*Normalizer)

// WithDropHook registers a callback invoked once per dropped row, e.g. for metrics.
func WithDropHook(fn func(DropReason)) NormalizerOption {
	return func(n *Normalizer) { n.onDrop = fn }
}

// Normalizer converts FIRMS payloads of any known schema into FireDetections.
// It never fails: unusable input produces an empty slice and log lines.
type Normalizer struct {
	logger *slog.Logger
	onDrop func(DropReason)
}

// NewNormalizer creates a Normalizer that logs dropped rows to logger.
func NewNormalizer(logger *slog.Logger, opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{logger: logger}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize parses a raw CSV or JSON payload. Surviving rows keep input order.
// A body that cannot be decoded at all yields an empty slice; use Parse to
// tell that apart from a payload with no detections.
func (n *Normalizer) Normalize(raw []byte) []FireDetection {
	detections, _ := n.Parse(raw)
	return detections
}

// Parse is Normalize with payload-level failures reported. An empty body is
// not an error. A body that is neither a FIRMS table nor a detection list
// (an API error message, an HTML page, broken JSON) returns an error wrapping
// ErrUndecodablePayload together with any rows decoded before the failure.
func (n *Normalizer) Parse(raw []byte) ([]FireDetection, error) {
	payload := DetectPayload(raw)
	if payload.Kind == PayloadEmpty {
		return []FireDetection{}, nil
	}

	skip := func(index int, reason string) {
		n.drop(DropMalformed, "index", index, "format", payload.Kind.String(), "detail", reason)
	}
	rows, err := decoderFor(payload.Kind).decode(payload.Body, skip)
	if err != nil {
		n.drop(DropUndecodable, "format", payload.Kind.String(), "error", err)
		return n.normalizeRows(rows), fmt.Errorf("%w: %s payload: %w", ErrUndecodablePayload, payload.Kind, err)
	}
	return n.normalizeRows(rows), nil
}

// NormalizeRecords normalizes records that were already decoded from JSON.
func (n *Normalizer) NormalizeRecords(records []map[string]any) []FireDetection {
	rows := make([]row, len(records))
	for i, rec := range records {
		rows[i] = objectRow(rec)
	}
	return n.normalizeRows(rows)
}

func (n *Normalizer) normalizeRows(rows []row) []FireDetection {
	out := make([]FireDetection, 0, len(rows))
	for i, r := range rows {
		det, reason, detail := buildDetection(r)
		if reason != "" {
			n.drop(reason, "index", i, "detail", detail)
			continue
		}
		out = append(out, det)
	}
	return out
}

func (n *Normalizer) drop(reason DropReason, args ...any) {
	if n.onDrop != nil {
		n.onDrop(reason)
	}
	if n.logger != nil {
		n.logger.Warn("fire detection dropped", append([]any{"reason", string(reason)}, args...)...)
	}
}

// buildDetection resolves every canonical field for one row. A non-empty
// reason means the row must be dropped.
func buildDetection(r row) (FireDetection, DropReason, string) {
	var det FireDetection
	for _, spec := range fieldSpecs {
		v, ok := resolve(r, spec)
		if !ok {
			if spec.Required {
				return FireDetection{}, DropMissingField, spec.Name
			}
			continue
		}
		assign(&det, spec.Name, v)
	}

	if !(Coordinates{Lat: det.Latitude, Lng: det.Longitude}).Valid() {
		return FireDetection{}, DropOutOfRange, fmt.Sprintf("lat=%g lng=%g", det.Latitude, det.Longitude)
	}
	return det, "", ""
}

// resolve finds the first usable value for spec, falling back to its default.
func resolve(r row, spec FieldSpec) (any, bool) {
	for _, name := range append([]string{spec.Name}, spec.Aliases...) {
		raw, present := r[name]
		if !present || isNullLike(raw) {
			continue
		}
		if v, ok := coerce(spec, raw); ok {
			return v, true
		}
		break
	}
	return defaultFor(spec)
}

func defaultFor(spec FieldSpec) (any, bool) {
	if spec.Kind == KindDate {
		return today(), true
	}
	if spec.Default == nil {
		return nil, false
	}
	return spec.Default, true
}

func isNullLike(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "null", "None", "nan", "NaN":
		return true
	}
	return false
}

func coerce(spec FieldSpec, raw string) (any, bool) {
	raw = strings.TrimSpace(raw)
	switch spec.Kind {
	case KindFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		if spec.Default != nil && v < 0 {
			// Defaulted numeric fields (brightness, frp) are physical magnitudes.
			return nil, false
		}
		return v, true
	case KindDate:
		if len(raw) >= len(DateLayout) {
			if _, err := time.Parse(DateLayout, raw[:len(DateLayout)]); err == nil {
				return raw[:len(DateLayout)], true
			}
		}
		return nil, false
	default:
		return raw, true
	}
}

func assign(det *FireDetection, name string, v any) {
	switch name {
	case FieldLatitude:
		det.Latitude = v.(float64)
	case FieldLongitude:
		det.Longitude = v.(float64)
	case FieldBrightness:
		det.Brightness = v.(float64)
	case FieldAcqDate:
		det.AcquisitionDate = v.(string)
	case FieldConfidence:
		det.Confidence = v.(string)
	case FieldFRP:
		det.FirePower = v.(float64)
	case FieldDayNight:
		det.DayNight = normalizeDayNight(v.(string))
	case FieldSensor:
		det.SensorType = v.(string)
	}
}

func normalizeDayNight(s string) string {
	if s == "" {
		return "D"
	}
	return strings.ToUpper(s[:1])
}
