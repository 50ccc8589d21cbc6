package model

import "time"

// QueryResult is the outcome of a statement run through the connectivity manager.
type QueryResult struct {
	Rows     []map[string]any   `json:"rows"`
	RowCount int64              `json:"row_count"`
	Fields   []FieldDescription `json:"fields,omitempty"`
}

// FieldDescription names a result column and its PostgreSQL type OID.
type FieldDescription struct {
	Name       string `json:"name"`
	DataTypeID uint32 `json:"data_type_id"`
}

// ConnectivityEvent records a single connected/disconnected transition.
type ConnectivityEvent struct {
	ID        string    `json:"id"`
	Connected bool      `json:"connected"`
	Host      string    `json:"host"`
	Database  string    `json:"database"`
	At        time.Time `json:"at"`
}

// Status is a point-in-time view of the manager's connectivity.
type Status struct {
	Connected   bool      `json:"connected"`
	Since       time.Time `json:"since"`
	Transitions uint64    `json:"transitions"`
}
