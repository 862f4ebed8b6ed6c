package httptransport

import (
	"github.com/goccy/go-json"

	"github.com/c0deZ3R0/possync"
)

// pushRequest is the body of POST {resource}.
type pushRequest struct {
	Data []map[string]any `json:"data"`
}

// pushResponse is the interpreted body of a push. Absence of a submitted
// identifier from Conflicts means acceptance.
type pushResponse struct {
	Conflicts []wireConflict `json:"conflicts"`
}

// pullResponse is the body of GET {resource}.
type pullResponse struct {
	Data      []map[string]json.RawMessage `json:"data"`
	HasMore   bool                         `json:"has_more"`
	Conflicts []wireConflict               `json:"conflicts"`
}

type wireConflict struct {
	LocalID    flexibleID      `json:"local_id"`
	ServerData json.RawMessage `json:"server_data"`
	LocalData  json.RawMessage `json:"local_data"`
}

// flexibleID tolerates servers that send identifiers as JSON numbers
// rather than strings.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

// toWireRecord flattens a Record into the remote object shape: the opaque
// payload plus the id/uuid identity fields.
func toWireRecord(rec possync.Record) map[string]any {
	obj := make(map[string]any, len(rec.Payload)+2)
	for k, v := range rec.Payload {
		obj[k] = v
	}
	obj["id"] = rec.LocalID
	if rec.UUID != "" {
		obj["uuid"] = rec.UUID
	}
	return obj
}

// fromWireRecord splits a remote object into identity fields and payload.
func fromWireRecord(obj map[string]json.RawMessage) (possync.Record, error) {
	rec := possync.Record{Payload: make(map[string]any, len(obj))}
	for k, raw := range obj {
		switch k {
		case "id":
			var id flexibleID
			if err := json.Unmarshal(raw, &id); err != nil {
				return possync.Record{}, err
			}
			rec.LocalID = string(id)
			rec.Payload[k] = string(id)
		case "uuid":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return possync.Record{}, err
			}
			rec.UUID = s
		default:
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return possync.Record{}, err
			}
			rec.Payload[k] = v
		}
	}
	return rec, nil
}

func fromWireConflicts(in []wireConflict) []possync.Conflict {
	if len(in) == 0 {
		return nil
	}
	out := make([]possync.Conflict, len(in))
	for i, c := range in {
		out[i] = possync.Conflict{
			LocalID:    string(c.LocalID),
			ServerData: c.ServerData,
			LocalData:  c.LocalData,
		}
	}
	return out
}
