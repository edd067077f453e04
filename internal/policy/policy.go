// Package policy loads the lifecycle policy document attached to each data
// stream. The document is opaque: it is only checked to be JSON.
package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

//go:embed default-ilm-policy.json
var defaultPolicy []byte

// Fetcher downloads objects from an S3-compatible store.
type Fetcher interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

// Default returns the bundled policy document.
func Default() []byte {
	return append([]byte(nil), defaultPolicy...)
}

// Load resolves location to a policy document. An empty location selects the
// bundled default, "s3://bucket/key" is read through fetcher, anything else
// is a local file path.
func Load(ctx context.Context, location string, fetcher Fetcher) ([]byte, error) {
	var (
		data []byte
		err  error
	)

	switch {
	case location == "":
		return Default(), nil
	case strings.HasPrefix(location, "s3://"):
		bucket, key, perr := parseS3URL(location)
		if perr != nil {
			return nil, perr
		}
		if fetcher == nil {
			return nil, fmt.Errorf("policy %s: no S3 client configured", location)
		}
		data, err = fetcher.Fetch(ctx, bucket, key)
	default:
		data, err = os.ReadFile(location)
	}
	if err != nil {
		return nil, fmt.Errorf("loading policy %s: %w", location, err)
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("policy %s is not valid JSON", location)
	}
	return data, nil
}

// Bucket returns the bucket of an s3:// location, or "" for other locations.
func Bucket(location string) string {
	bucket, _, err := parseS3URL(location)
	if err != nil {
		return ""
	}
	return bucket
}

func parseS3URL(location string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 location: %s", location)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 location %q: want s3://bucket/key", location)
	}
	return bucket, key, nil
}
