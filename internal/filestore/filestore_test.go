package filestore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopedKey(t *testing.T) {
	tests := []struct {
		name    string
		org     string
		key     string
		want    string
		wantErr bool
	}{
		{"upload", "org-1", "uploads/job.csv", "org-1/uploads/job.csv", false},
		{"cleans redundant segments", "org-1", "exports/./a//b.csv", "org-1/exports/a/b.csv", false},
		{"inner dot-dot stays inside", "org-1", "exports/x/../b.csv", "org-1/exports/b.csv", false},
		{"escapes org prefix", "org-1", "../org-2/uploads/job.csv", "", true},
		{"absolute key", "org-1", "/etc/passwd", "", true},
		{"backslash", "org-1", `..\org-2\x`, "", true},
		{"empty key", "org-1", "", "", true},
		{"org with slash", "org-1/../org-2", "uploads/job.csv", "", true},
		{"missing org", "", "uploads/job.csv", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := scopedKey(tt.org, tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocal_SaveOpenDelete(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocal(root)
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := store.Save(ctx, "org-1", UploadKey("job-1", ".csv"), strings.NewReader("sku,name\nA-1,Widget\n"), "text/csv")
	require.NoError(t, err)
	assert.Equal(t, "uploads/job-1.csv", ref.Key)
	assert.Equal(t, int64(20), ref.Size)
	assert.Equal(t, "text/csv", ref.ContentType)
	assert.FileExists(t, filepath.Join(root, "org-1", "uploads", "job-1.csv"))

	rc, err := store.Open(ctx, "org-1", ref.Key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "sku,name\nA-1,Widget\n", string(data))

	_, err = store.Open(ctx, "org-2", ref.Key)
	assert.ErrorIs(t, err, ErrNotFound, "other organizations cannot see the file")

	require.NoError(t, store.Delete(ctx, "org-1", ref.Key))
	require.NoError(t, store.Delete(ctx, "org-1", ref.Key), "deleting twice is fine")

	_, err = store.Open(ctx, "org-1", ref.Key)
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := os.ReadDir(filepath.Join(root, "org-1", "uploads"))
	require.NoError(t, err)
	assert.Empty(t, entries, "no temp files left behind")
}

func TestLocal_RejectsTraversal(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = store.Save(context.Background(), "org-1", "../../escape.csv", strings.NewReader("x"), "text/csv")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

type fakeS3 struct {
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != aws.ToInt64(in.ContentLength) {
		return nil, io.ErrShortWrite
	}
	f.objects[aws.ToString(in.Key)] = data
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3_SaveOpenDelete(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	store := NewS3WithClient(fake, "exports")
	ctx := context.Background()

	// io.MultiReader cannot seek, so the upload is spooled first
	body := io.MultiReader(strings.NewReader("{\"data\":"), strings.NewReader("[]}"))
	ref, err := store.Save(ctx, "org-1", ExportKey("job-1", ".json"), body, "application/json")
	require.NoError(t, err)
	assert.Equal(t, int64(11), ref.Size)
	assert.Equal(t, "application/json", fake.types["org-1/exports/job-1.json"])

	rc, err := store.Open(ctx, "org-1", ref.Key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `{"data":[]}`, string(data))

	require.NoError(t, store.Delete(ctx, "org-1", ref.Key))
	_, err = store.Open(ctx, "org-1", ref.Key)
	assert.ErrorIs(t, err, ErrNotFound)
}
