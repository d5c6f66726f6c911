// Package table holds the row-level data model shared by ingestion, the WAL
// payload codec and the read path: table identity, schemas, datums, rows,
// row groups and per-table options.
package table
