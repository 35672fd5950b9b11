// Package imagestore persists synthesized camera frames.
//
// The camera never keeps pixel buffers in device state: it hands the buffer
// to a Store and keeps only the returned Ref. Three backends exist:
//
//   - MemoryStore: process-local map, used in tests and as the default
//   - FileStore: one file per frame under a directory, with a JSON sidecar
//   - S3Store: any S3-compatible object store through minio-go
//
// Keys are slash-separated paths such as "cam1/2f9c....raw".
package imagestore
