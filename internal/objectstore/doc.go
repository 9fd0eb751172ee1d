// Package objectstore stores stage results outside the run database.
//
// Execution records keep only a reference to the payload; the bytes live in a
// MinIO/S3 bucket or, when no bucket is configured, under a local directory.
package objectstore
