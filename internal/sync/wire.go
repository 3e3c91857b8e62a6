package sync

import (
	"encoding/json"
	"time"
)

// Operations carry their timestamp as unix milliseconds on the wire. The
// alias type keeps the rest of the fields on the default path.

type operationWire struct {
	ID        string `json:"id"`
	Table     string `json:"table"`
	Kind      Kind   `json:"kind"`
	Data      Row    `json:"data"`
	Timestamp int64  `json:"timestamp"`
	ClientID  string `json:"client_id"`
	Version   int64  `json:"version"`
	Status    Status `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (op Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(operationWire{
		ID:        op.ID,
		Table:     op.Table,
		Kind:      op.Kind,
		Data:      op.Data,
		Timestamp: op.Timestamp.UnixMilli(),
		ClientID:  op.ClientID,
		Version:   op.Version,
		Status:    op.Status,
		Error:     op.Error,
		UserID:    op.UserID,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var w operationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*op = Operation{
		ID:        w.ID,
		Table:     w.Table,
		Kind:      w.Kind,
		Data:      w.Data,
		Timestamp: time.UnixMilli(w.Timestamp),
		ClientID:  w.ClientID,
		Version:   w.Version,
		Status:    w.Status,
		Error:     w.Error,
		UserID:    w.UserID,
	}
	return nil
}
