package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// Ready verifies the bucket exists and that the report prefix can be listed.
func (s *GCSStore) Ready(ctx context.Context) error {
	bkt := s.client.Bucket(s.bucket)
	if _, err := bkt.Attrs(ctx); err != nil {
		return fmt.Errorf("bucket attrs: %w", err)
	}

	// One object is enough to prove list access; an empty prefix is fine.
	it := bkt.Objects(ctx, &storage.Query{Prefix: "vakajarjestajat/"})
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("list reports: %w", err)
	}
	return nil
}

// Ready creates the bucket directory if needed.
func (s *LocalStore) Ready(_ context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create bucket dir: %w", err)
	}
	return nil
}
