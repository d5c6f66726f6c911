// Package service is the write and read entry point of the storage engine.
// It ties the catalog, the WAL manager, the memory buffer and the segment
// store together, independent of any transport.
//
// Writes are appended durably before they touch the buffer; reads merge a
// buffer snapshot with persisted segments. Flush moves buffered rows into
// segments and truncates the WAL behind them.
package service
