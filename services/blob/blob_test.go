package blobsvc

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core"
)

func TestDisk(t *testing.T) {
	ctx := context.Background()
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)

	key := "documents/p1/d1/paper.pdf"
	require.NoError(t, d.Put(ctx, key, strings.NewReader("exam"), "application/pdf"))

	rc, err := d.Get(ctx, key)
	require.NoError(t, err)
	data, err := ioutil.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "exam", string(data))

	require.NoError(t, d.Delete(ctx, key))
	_, err = d.Get(ctx, key)
	assert.Equal(t, core.ErrBlobNotFound, err)
	assert.NoError(t, d.Delete(ctx, key), "deleting twice")

	assert.Error(t, d.Put(ctx, "../escape", strings.NewReader("x"), ""))
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := ioutil.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
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

func TestS3(t *testing.T) {
	ctx := context.Background()
	store := NewS3WithClient(&fakeS3{objects: make(map[string][]byte)}, "shule")

	require.NoError(t, store.Put(ctx, "k", strings.NewReader("v"), "text/plain"))
	rc, err := store.Get(ctx, "k")
	require.NoError(t, err)
	data, _ := ioutil.ReadAll(rc)
	assert.Equal(t, "v", string(data))

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	assert.Equal(t, core.ErrBlobNotFound, err)
}
