// Package backing implements the blob adapter contract of spec.md §4.1:
// write_lines/read_lines/url over a key that the adapter extends with a
// canonical extension. Two implementations exist — a local directory
// (grounded on infinite_queue/utils.py's DirectoryBacking) and an
// S3-compatible object store (grounded on the original's pyLibrary.aws.s3
// backing, reimplemented against aws-sdk-go-v2).
package backing

import "context"

// Backing is the contract external collaborator from spec.md §1: "a blob
// backing exposing only write_lines(key, lines), read_lines(key), and
// url(key)". Any call may fail with a reported I/O error (§4.1).
type Backing interface {
	// WriteLines atomically materialises lines (one JSON object per line,
	// already newline-free) under key, appending the canonical extension.
	WriteLines(ctx context.Context, key string, lines []string) error

	// ReadLines streams back the lines previously written for key, in
	// order.
	ReadLines(ctx context.Context, key string) ([]string, error)

	// URL returns a stable URL string for the object addressed by key.
	URL(key string) string
}

const extension = ".json"

func withExtension(key string) string {
	return key + extension
}
