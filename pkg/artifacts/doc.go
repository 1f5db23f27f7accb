// Package artifacts holds blob content for artifact documents. Blobs are
// content-addressed by their SHA-256 hash; the metadata documents in the
// containment store point at them by location and hash. Backends exist for
// the local filesystem and S3-compatible object storage.
package artifacts
