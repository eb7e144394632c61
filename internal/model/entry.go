package model

import "time"

// LookupEntry is the unit of storage in a generation's table
type LookupEntry struct {
	Locus        Locus
	TypingMethod TypingMethod
	LookupName   string
	PayloadType  string // empty means the payload is intentionally untyped and nil
	Payload      []byte
}

// Row is the store-facing shape of an encoded entry
type Row struct {
	PartitionKey string
	RowKey       string
	Columns      map[string]string
}

// RowPosition identifies a row for keyset pagination
type RowPosition struct {
	PartitionKey string
	RowKey       string
}

// Page is one page of a table scan. Next is nil when the scan is exhausted.
type Page struct {
	Rows []Row
	Next *RowPosition
}

// Dataset names a family of generations sharing a table prefix
type Dataset struct {
	Prefix       string
	PayloadTypes []string
}

// TableHandle is a resolved pointer to a generation's physical table
type TableHandle struct {
	Dataset    string
	Version    string
	TableName  string
	ResolvedAt time.Time
}

// TablePointer is one (dataset, version) -> table mapping
type TablePointer struct {
	DatasetPrefix string
	Version       string
	TableName     string
	UpdatedAt     time.Time
}

// DatasetVersion names one published generation
type DatasetVersion struct {
	Dataset string
	Version string
}
