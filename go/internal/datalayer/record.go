package datalayer

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/mcdev12/scoresync/go/internal/models"
)

// ErrMalformedRecord is returned when a record cannot be decoded into scores.
var ErrMalformedRecord = errors.New("malformed record")

// DataItem is one replicated record: a path plus integer fields.
type DataItem struct {
	Path   string         `json:"path"`
	Fields map[string]int `json:"fields"`
}

// Clone returns a deep copy so stores never share field maps with callers.
func (d DataItem) Clone() DataItem {
	return DataItem{Path: d.Path, Fields: maps.Clone(d.Fields)}
}

// ScoresItem encodes a score pair as the /scores record.
func ScoresItem(p models.ScorePair) DataItem {
	return DataItem{
		Path: models.ScoresPath,
		Fields: map[string]int{
			models.FieldLeftScore:  p.Left,
			models.FieldRightScore: p.Right,
		},
	}
}

// DecodeScores reads a score pair from a /scores record.
func DecodeScores(item DataItem) (models.ScorePair, error) {
	if item.Path != models.ScoresPath {
		return models.ScorePair{}, fmt.Errorf("%w: unexpected path %q", ErrMalformedRecord, item.Path)
	}
	left, ok := item.Fields[models.FieldLeftScore]
	if !ok {
		return models.ScorePair{}, fmt.Errorf("%w: missing %s", ErrMalformedRecord, models.FieldLeftScore)
	}
	right, ok := item.Fields[models.FieldRightScore]
	if !ok {
		return models.ScorePair{}, fmt.Errorf("%w: missing %s", ErrMalformedRecord, models.FieldRightScore)
	}
	p := models.ScorePair{Left: left, Right: right}
	if err := p.Validate(); err != nil {
		return models.ScorePair{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return p, nil
}

// FindScores scans items for the /scores record.
func FindScores(items []DataItem) (models.ScorePair, bool, error) {
	for _, item := range items {
		if item.Path != models.ScoresPath {
			continue
		}
		p, err := DecodeScores(item)
		if err != nil {
			return models.ScorePair{}, false, err
		}
		return p, true, nil
	}
	return models.ScorePair{}, false, nil
}

// EncodeFields is the JSON wire form of a record's fields.
func EncodeFields(fields map[string]int) ([]byte, error) {
	if fields == nil {
		fields = map[string]int{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal record fields: %w", err)
	}
	return data, nil
}

// DecodeFields parses the JSON wire form of a record's fields.
func DecodeFields(data []byte) (map[string]int, error) {
	fields := map[string]int{}
	if len(data) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return fields, nil
}
