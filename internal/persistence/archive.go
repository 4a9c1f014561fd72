package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Archive writes a copy of a snapshot into cold storage under
// snapshots/<room>/<version>.txt, the role the teacher's storage.S3Client stubs out for
// canvas state — implemented fully here since snapshot archival is the
// one place spec.md actually calls for cold storage (§4.4).
type S3Archive struct {
	client *s3.S3
	bucket string
}

func NewS3Archive(region, bucket string) (*S3Archive, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, err
	}
	return &S3Archive{client: s3.New(sess), bucket: bucket}, nil
}

func archiveKey(roomID string, version int) string {
	return fmt.Sprintf("snapshots/%s/%d.txt", roomID, version)
}

func (a *S3Archive) ArchiveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(archiveKey(snap.RoomID, snap.Version)),
		Body:   strings.NewReader(snap.Content),
	})
	return err
}
