package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrNotFound is returned by Open when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the object store the report worker uploads finished artifacts to.
type Store interface {
	Put(ctx context.Context, path string, r io.Reader) error
	Delete(ctx context.Context, path string) error
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Bucket() string
}

// ObjectLocation describes where a report lives.
type ObjectLocation struct {
	Bucket   string
	FullPath string
}

func (l ObjectLocation) String() string {
	return l.Bucket + "/" + l.FullPath
}

// Scope is the organisational scope a report was generated for.
type Scope struct {
	SuperViewer bool
	ProviderID  int64
	SiteID      int64
}

// Prefix returns the object prefix for the scope, always with a trailing slash:
//   - admin/ for cross-tenant super-viewer reports
//   - vakajarjestajat/<provider>/toimipaikat/<site>/ for site scope
//   - vakajarjestajat/<provider>/ for provider scope
func (s Scope) Prefix() (string, error) {
	if s.SuperViewer {
		return "admin/", nil
	}
	if s.ProviderID <= 0 {
		return "", fmt.Errorf("provider id is required outside super-viewer scope")
	}
	prefix := "vakajarjestajat/" + strconv.FormatInt(s.ProviderID, 10) + "/"
	if s.SiteID > 0 {
		prefix += "toimipaikat/" + strconv.FormatInt(s.SiteID, 10) + "/"
	}
	return prefix, nil
}

// ResolveObjectLocation combines the scope prefix and the report filename into a bucket/path pair.
func ResolveObjectLocation(scope Scope, bucket, filename string) (ObjectLocation, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return ObjectLocation{}, fmt.Errorf("bucket is required")
	}
	name := strings.TrimPrefix(strings.TrimSpace(filename), "/")
	if name == "" {
		return ObjectLocation{}, fmt.Errorf("filename is required")
	}
	if strings.Contains(name, "/") || strings.Contains(name, "..") {
		return ObjectLocation{}, fmt.Errorf("filename %q must not contain path segments", filename)
	}

	prefix, err := scope.Prefix()
	if err != nil {
		return ObjectLocation{}, err
	}
	return ObjectLocation{Bucket: bucket, FullPath: prefix + name}, nil
}
