package session

import (
	"encoding/json"
	"fmt"

	"github.com/irontide/sparkbridge/internal/domain"
)

// Wire codec. A birth message carries the full metric set with explicit
// names, types and aliases; every subsequent data message carries only
// alias, value, quality and timestamp. Null and bad-quality values are
// encoded explicitly, never dropped or replaced with a fabricated zero.

// bdSeqAlias is reserved; tag aliases start at 1.
const bdSeqAlias uint64 = 0

// BirthMetric declares one metric in a birth certificate.
type BirthMetric struct {
	Name      string          `json:"name"`
	Alias     uint64          `json:"alias"`
	Type      domain.DataType `json:"type"`
	Value     any             `json:"value"`
	Quality   domain.Quality  `json:"quality"`
	Code      string          `json:"code,omitempty"`
	Timestamp int64           `json:"ts"`
}

// DataMetric is the compact form used after birth: alias replaces the name.
type DataMetric struct {
	Alias     uint64         `json:"alias"`
	Value     any            `json:"value"`
	Quality   domain.Quality `json:"quality"`
	Code      string         `json:"code,omitempty"`
	Timestamp int64          `json:"ts"`

	// OutOfOrder flags a point whose ingest timestamp regressed against the
	// previous accepted point for the same tag. Ordering correction is a
	// downstream concern; the point is forwarded regardless.
	OutOfOrder bool `json:"ooo,omitempty"`
}

// BirthPayload is the full current state of a session.
type BirthPayload struct {
	Timestamp int64         `json:"ts"`
	Seq       uint8         `json:"seq"`
	BdSeq     uint64        `json:"bdSeq"`
	Metrics   []BirthMetric `json:"metrics"`
}

// DataPayload carries one or more compact metric updates.
type DataPayload struct {
	Timestamp int64        `json:"ts"`
	Seq       uint8        `json:"seq"`
	Metrics   []DataMetric `json:"metrics"`
}

// DeathPayload is the sentinel marking a session offline. Seq is always 0;
// bdSeq ties the death to the birth it closes.
type DeathPayload struct {
	Timestamp int64  `json:"ts"`
	Seq       uint8  `json:"seq"`
	BdSeq     uint64 `json:"bdSeq"`
}

func encodeBirth(p *BirthPayload) ([]byte, error) { return json.Marshal(p) }

func encodeData(p *DataPayload) ([]byte, error) { return json.Marshal(p) }

func encodeDeath(p *DeathPayload) ([]byte, error) { return json.Marshal(p) }

// DecodeBirth parses a birth payload. Receivers use it to populate their
// alias tables.
func DecodeBirth(raw []byte) (*BirthPayload, error) {
	var p BirthPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode birth: %w", err)
	}
	return &p, nil
}

// DecodeData parses a data payload and rehydrates each value using the alias
// type map learned from the preceding birth.
func DecodeData(raw []byte, aliasTypes map[uint64]domain.DataType) (*DataPayload, []domain.Value, error) {
	var p DataPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil, fmt.Errorf("decode data: %w", err)
	}
	values := make([]domain.Value, len(p.Metrics))
	for i, m := range p.Metrics {
		t, ok := aliasTypes[m.Alias]
		if !ok {
			return nil, nil, fmt.Errorf("decode data: unknown alias %d", m.Alias)
		}
		v, err := domain.FromInterface(t, m.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("decode data alias %d: %w", m.Alias, err)
		}
		values[i] = v
	}
	return &p, values, nil
}

// DecodeDeath parses a death sentinel.
func DecodeDeath(raw []byte) (*DeathPayload, error) {
	var p DeathPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode death: %w", err)
	}
	return &p, nil
}

// AliasTypes extracts the alias → type mapping a receiver needs to decode
// subsequent data messages.
func (p *BirthPayload) AliasTypes() map[uint64]domain.DataType {
	out := make(map[uint64]domain.DataType, len(p.Metrics))
	for _, m := range p.Metrics {
		out[m.Alias] = m.Type
	}
	return out
}
