package objectstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	args := m.Called(ctx, bucketName)
	return args.Bool(0), args.Error(1)
}

func (m *mockClient) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	return m.Called(ctx, bucketName, opts).Error(0)
}

func (m *mockClient) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	args := m.Called(ctx, bucketName, objectName, reader, objectSize, opts)
	return args.Get(0).(minio.UploadInfo), args.Error(1)
}

func (m *mockClient) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error) {
	args := m.Called(ctx, bucketName, objectName, opts)
	obj, _ := args.Get(0).(*minio.Object)
	return obj, args.Error(1)
}

func (m *mockClient) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	args := m.Called(ctx, bucketName, objectName, opts)
	return args.Get(0).(minio.ObjectInfo), args.Error(1)
}

func (m *mockClient) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	return m.Called(ctx, bucketName, objectName, opts).Error(0)
}

func (m *mockClient) ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	return m.Called(ctx, bucketName, opts).Get(0).(<-chan minio.ObjectInfo)
}

func (m *mockClient) PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error) {
	args := m.Called(ctx, bucketName, objectName, expires, reqParams)
	u, _ := args.Get(0).(*url.URL)
	return u, args.Error(1)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "images/abc/", Prefix("abc"))
	assert.Equal(t, "images/abc/raw/photo.jpg", RawKey("abc", "photo.jpg"))
	assert.Equal(t, "images/abc/raw/evil.jpg", RawKey("abc", "../../evil.jpg"))
	assert.Equal(t, "images/abc/raw/x.png", RawKey("abc", `C:\Users\me\x.png`))
	assert.Equal(t, "images/abc/raw/original", RawKey("abc", ""))
	assert.Equal(t, "images/abc/thumbnails/thumbnail.jpg", ThumbnailKey("abc"))
	assert.Equal(t, "images/abc/responsive/640w.webp", ResponsiveKey("abc", 640, "webp"))
}

func TestMinioPutSetsContentType(t *testing.T) {
	client := new(mockClient)
	store := NewWithClient(client, "images", "us-east-1", zap.NewNop())

	client.On("PutObject", mock.Anything, "images", "k", mock.Anything, int64(3),
		minio.PutObjectOptions{ContentType: "image/jpeg"}).Return(minio.UploadInfo{}, nil).Once()
	client.On("PutObject", mock.Anything, "images", "blob", mock.Anything, int64(1),
		minio.PutObjectOptions{ContentType: "application/octet-stream"}).Return(minio.UploadInfo{}, nil).Once()

	require.NoError(t, store.Put(context.Background(), "k", []byte{1, 2, 3}, "image/jpeg"))
	require.NoError(t, store.Put(context.Background(), "blob", []byte{1}, ""))
	client.AssertExpectations(t)
}

func TestMinioStatNotFound(t *testing.T) {
	client := new(mockClient)
	store := NewWithClient(client, "images", "", zap.NewNop())

	notFound := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound, Key: "missing"}
	client.On("StatObject", mock.Anything, "images", "missing", mock.Anything).Return(minio.ObjectInfo{}, notFound)
	client.On("StatObject", mock.Anything, "images", "present", mock.Anything).
		Return(minio.ObjectInfo{Key: "present", Size: 42, ContentType: "image/webp"}, nil)

	_, err := store.Stat(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	info, err := store.Stat(context.Background(), "present")
	require.NoError(t, err)
	assert.EqualValues(t, 42, info.Size)
	assert.Equal(t, "image/webp", info.ContentType)
}

func TestMinioEnsureBucket(t *testing.T) {
	t.Run("creates missing bucket", func(t *testing.T) {
		client := new(mockClient)
		client.On("BucketExists", mock.Anything, "images").Return(false, nil)
		client.On("MakeBucket", mock.Anything, "images", minio.MakeBucketOptions{Region: "eu"}).Return(nil)

		require.NoError(t, NewWithClient(client, "images", "eu", zap.NewNop()).EnsureBucket(context.Background()))
		client.AssertExpectations(t)
	})

	t.Run("tolerates concurrent creation", func(t *testing.T) {
		client := new(mockClient)
		client.On("BucketExists", mock.Anything, "images").Return(false, nil)
		client.On("MakeBucket", mock.Anything, "images", mock.Anything).
			Return(minio.ErrorResponse{Code: "BucketAlreadyOwnedByYou", StatusCode: http.StatusConflict})

		assert.NoError(t, NewWithClient(client, "images", "", zap.NewNop()).EnsureBucket(context.Background()))
	})

	t.Run("unreachable", func(t *testing.T) {
		client := new(mockClient)
		client.On("BucketExists", mock.Anything, "images").Return(false, errors.New("dial tcp: refused"))

		store := NewWithClient(client, "images", "", zap.NewNop())
		assert.Error(t, store.EnsureBucket(context.Background()))
		assert.Error(t, store.Healthy(context.Background()))
	})
}

func TestMinioDeletePrefix(t *testing.T) {
	client := new(mockClient)
	store := NewWithClient(client, "images", "", zap.NewNop())

	ch := make(chan minio.ObjectInfo, 2)
	ch <- minio.ObjectInfo{Key: "images/a/raw/a.jpg"}
	ch <- minio.ObjectInfo{Key: "images/a/thumbnails/thumbnail.jpg"}
	close(ch)

	client.On("ListObjects", mock.Anything, "images", minio.ListObjectsOptions{Prefix: "images/a/", Recursive: true}).
		Return((<-chan minio.ObjectInfo)(ch))
	client.On("RemoveObject", mock.Anything, "images", "images/a/raw/a.jpg", mock.Anything).Return(nil)
	client.On("RemoveObject", mock.Anything, "images", "images/a/thumbnails/thumbnail.jpg", mock.Anything).Return(nil)

	require.NoError(t, store.DeletePrefix(context.Background(), Prefix("a")))
	client.AssertExpectations(t)
}

func TestMinioPresign(t *testing.T) {
	client := new(mockClient)
	store := NewWithClient(client, "images", "", zap.NewNop())

	u, _ := url.Parse("http://minio:9000/images/k?X-Amz-Signature=abc")
	client.On("PresignedGetObject", mock.Anything, "images", "k", time.Hour, url.Values(nil)).Return(u, nil)

	got, err := store.PresignGet(context.Background(), "k", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, u.String(), got)
}
