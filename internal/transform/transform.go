// Package transform maps packet records onto index documents.
package transform

import (
	"fmt"
	"strings"
	"time"

	"espcap/internal/capture"
)

// DefaultPrefix is the index name prefix used when none is configured.
const DefaultPrefix = "packets"

// IndexDocument is one unit of indexing. The backend assigns the id.
type IndexDocument struct {
	Index string         `json:"_index"`
	Body  map[string]any `json:"_source"`
}

// MalformedRecordError marks a record that cannot become a document. The
// record is skipped and reported; the stream continues.
type MalformedRecordError struct {
	Sequence uint64 `json:"sequence"`
	Source   string `json:"source"`
	Reason   string `json:"reason"`
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %d from %s: %s", e.Sequence, e.Source, e.Reason)
}

// Transformer builds documents for daily indices named <prefix>-YYYY-MM-DD.
type Transformer struct {
	Prefix string
}

// New returns a Transformer for prefix, falling back to DefaultPrefix.
func New(prefix string) *Transformer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Transformer{Prefix: prefix}
}

// IndexName returns the daily index for a capture time.
func (t *Transformer) IndexName(ts time.Time) string {
	return t.Prefix + "-" + ts.UTC().Format("2006-01-02")
}

// Transform converts one record. It does not mutate rec.
func (t *Transformer) Transform(rec capture.PacketRecord) (IndexDocument, error) {
	if rec.Timestamp.IsZero() {
		return IndexDocument{}, &MalformedRecordError{Sequence: rec.Sequence, Source: rec.Source, Reason: "missing timestamp"}
	}
	if len(rec.Layers) == 0 {
		return IndexDocument{}, &MalformedRecordError{Sequence: rec.Sequence, Source: rec.Source, Reason: "no protocol layers"}
	}

	ts := rec.Timestamp.UTC()
	layers := make(map[string]any, len(rec.Layers))
	protocols := make([]string, 0, len(rec.Layers))
	for _, l := range rec.Layers {
		name := normalizeName(l.Name)
		protocols = append(protocols, name)
		fields := normalizeFields(name, l.Fields)
		// a repeated layer (tunnels, IP in IP) becomes an ordered list,
		// outermost first, as tshark prints it
		switch prev := layers[name].(type) {
		case nil:
			layers[name] = fields
		case []any:
			layers[name] = append(prev, fields)
		default:
			layers[name] = []any{prev, fields}
		}
	}

	return IndexDocument{
		Index: t.IndexName(ts),
		Body: map[string]any{
			"@timestamp": ts.Format(time.RFC3339Nano),
			"timestamp":  ts.UnixMilli(),
			"protocols":  protocols,
			"capture": map[string]any{
				"source":   rec.Source,
				"session":  rec.Session,
				"sequence": rec.Sequence,
			},
			"layers": layers,
		},
	}, nil
}

func normalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), ".", "_")
}

// normalizeFields strips the redundant layer prefixes tshark puts on every
// key ("ip_ip_src" becomes "src") and replaces dots, which the index would
// otherwise read as object paths. Keys that would collide keep their full
// cleaned form, and keys that still collide after cleaning keep the raw key.
func normalizeFields(layer string, fields map[string]any) map[string]any {
	short := make(map[string]string, len(fields))
	uses := make(map[string]int, len(fields))
	cleanUses := make(map[string]int, len(fields))
	for k := range fields {
		c := cleanKey(k)
		s := stripLayerPrefix(layer, c)
		short[k] = s
		uses[s]++
		cleanUses[c]++
	}

	out := make(map[string]any, len(fields))
	for k, v := range fields {
		key := short[k]
		if uses[key] > 1 {
			key = cleanKey(k)
			if cleanUses[key] > 1 {
				key = k
			}
		}
		out[key] = v
	}
	return out
}

func cleanKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(k), ".", "_")
}

func stripLayerPrefix(layer, key string) string {
	for _, prefix := range []string{layer + "_" + layer + "_", layer + "_"} {
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return key[len(prefix):]
		}
	}
	return key
}
