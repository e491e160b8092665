package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrMalformedPayload is returned by DecodeTelemetry when the message body is
// not a JSON object or is not valid UTF-8.
var ErrMalformedPayload = errors.New("malformed telemetry payload")

// RawMessage is one delivery from an inbound transport, before decoding.
type RawMessage struct {
	Source     string
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// TelemetryRecord is one decoded sample. Every field is optional; nil means
// the machine did not report it in this message.
type TelemetryRecord struct {
	Status      *string
	WoodCount   *int64
	Temperature *float64
	Vibration   *float64

	// InvalidFields lists keys that were present but could not be parsed.
	// Those fields are left nil so the matching derivation step is skipped.
	InvalidFields []string
}

// Empty reports whether the record carries no usable field.
func (r TelemetryRecord) Empty() bool {
	return r.Status == nil && r.WoodCount == nil && r.Temperature == nil && r.Vibration == nil
}

const (
	fieldStatus      = "status"
	fieldWoodCount   = "woodCount"
	fieldTemperature = "temperature"
	fieldVibration   = "vibration"
)

// DecodeTelemetry parses a raw message body. Unknown keys are ignored and a
// field that fails to parse is recorded in InvalidFields instead of failing
// the whole message.
func DecodeTelemetry(payload []byte) (TelemetryRecord, error) {
	// encoding/json replaces invalid bytes inside strings with U+FFFD.
	if !utf8.Valid(payload) {
		return TelemetryRecord{}, fmt.Errorf("%w: invalid UTF-8", ErrMalformedPayload)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return TelemetryRecord{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if fields == nil {
		return TelemetryRecord{}, fmt.Errorf("%w: null document", ErrMalformedPayload)
	}

	var rec TelemetryRecord

	if raw, ok := present(fields, fieldStatus); ok {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			rec.InvalidFields = append(rec.InvalidFields, fieldStatus)
		} else if s != "" {
			rec.Status = &s
		}
	}

	if raw, ok := present(fields, fieldWoodCount); ok {
		if n, ok := parseInteger(raw); ok {
			rec.WoodCount = &n
		} else {
			rec.InvalidFields = append(rec.InvalidFields, fieldWoodCount)
		}
	}

	if raw, ok := present(fields, fieldTemperature); ok {
		if v, ok := parseNumber(raw); ok {
			rec.Temperature = &v
		} else {
			rec.InvalidFields = append(rec.InvalidFields, fieldTemperature)
		}
	}

	if raw, ok := present(fields, fieldVibration); ok {
		if v, ok := parseNumber(raw); ok {
			rec.Vibration = &v
		} else {
			rec.InvalidFields = append(rec.InvalidFields, fieldVibration)
		}
	}

	return rec, nil
}

func present(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, ok := fields[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, false
	}
	return raw, true
}

// scalar decodes raw into a json.Number or a trimmed string.
func scalar(raw json.RawMessage) (json.Number, string, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", "", false
	}
	switch t := v.(type) {
	case json.Number:
		return t, "", true
	case string:
		return "", strings.TrimSpace(t), true
	default:
		return "", "", false
	}
}

// parseInteger accepts JSON integers, integral JSON numbers such as 12.0 and
// strings holding a base-10 integer.
func parseInteger(raw json.RawMessage) (int64, bool) {
	num, str, ok := scalar(raw)
	if !ok {
		return 0, false
	}
	if num == "" {
		n, err := strconv.ParseInt(str, 10, 64)
		return n, err == nil
	}
	if n, err := num.Int64(); err == nil {
		return n, true
	}
	f, err := num.Float64()
	if err != nil || f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func parseNumber(raw json.RawMessage) (float64, bool) {
	num, str, ok := scalar(raw)
	if !ok {
		return 0, false
	}
	var (
		f   float64
		err error
	)
	if num == "" {
		f, err = strconv.ParseFloat(str, 64)
	} else {
		f, err = num.Float64()
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
