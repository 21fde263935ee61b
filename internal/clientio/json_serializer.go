package clientio

import (
	"encoding/json"

	"github.com/bgpmon/collector/internal/bmf"
)

// wireRecord is the newline-delimited JSON projection of a bmf.Record, one
// line per record written to a subscriber connection. The real stream
// format (the original's "<xml>"-prefixed XML dialect) is an explicit
// non-goal; clientio only depends on the Serializer interface, so this is
// the default concrete encoder until a wire-format-specific one replaces
// it, and the only reason it is stdlib encoding/json rather than a
// third-party codec is that the pack carries none for this concern.
type wireRecord struct {
	Timestamp     int64       `json:"ts"`
	PrecisionTime uint32      `json:"ts_precision"`
	SessionID     uint16      `json:"session_id"`
	Type          string      `json:"type"`
	Labels        []string    `json:"labels,omitempty"`
	Payload       []byte      `json:"payload"`
}

// JSONSerializer is the default Serializer: one JSON object per line.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(rec *bmf.Record) ([]byte, error) {
	labels := make([]string, len(rec.Labels))
	for i, l := range rec.Labels {
		labels[i] = l.String()
	}
	w := wireRecord{
		Timestamp:     rec.Timestamp,
		PrecisionTime: rec.PrecisionTime,
		SessionID:     rec.SessionID,
		Type:          rec.Type.String(),
		Labels:        labels,
		Payload:       rec.Payload,
	}
	line, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
