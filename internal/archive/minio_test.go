package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
)

type fakeObjectClient struct {
	exists  bool
	made    string
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func (f *fakeObjectClient) BucketExists(context.Context, string) (bool, error) {
	return f.exists, nil
}

func (f *fakeObjectClient) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.made = bucket
	return nil
}

func (f *fakeObjectClient) PutObject(_ context.Context, _ string, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if int64(len(data)) != size {
		return minio.UploadInfo{}, errors.New("size mismatch")
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
		f.types = make(map[string]string)
	}
	f.objects[object] = data
	f.types[object] = opts.ContentType
	return minio.UploadInfo{Key: object, Size: size}, nil
}

func TestNewMinIOCreatesMissingBucket(t *testing.T) {
	client := &fakeObjectClient{}
	store, err := newMinIO(context.Background(), client, Config{Bucket: "xeros-runs", Prefix: "/archive/"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if client.made != "xeros-runs" {
		t.Fatalf("bucket should be created, got %q", client.made)
	}

	if err := store.Put(context.Background(), "runs/deployment/deploy_1.json", []byte(`{"id":"deploy_1"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if string(client.objects["archive/runs/deployment/deploy_1.json"]) != `{"id":"deploy_1"}` {
		t.Fatalf("unexpected objects: %v", client.objects)
	}
	if client.types["archive/runs/deployment/deploy_1.json"] != "application/json" {
		t.Fatalf("archived runs should be stored as json")
	}
}

func TestPutWrapsUploadErrors(t *testing.T) {
	client := &fakeObjectClient{exists: true, putErr: errors.New("denied")}
	store, err := newMinIO(context.Background(), client, Config{Bucket: "b"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if client.made != "" {
		t.Fatalf("existing bucket must not be recreated")
	}
	if err := store.Put(context.Background(), "x.json", nil); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []Config{
		{Bucket: "b", AccessKey: "a", SecretKey: "s"},
		{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"},
		{Endpoint: "localhost:9000", Bucket: "b"},
	}
	for _, cfg := range cases {
		if _, err := NewMinIO(context.Background(), cfg); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("config %+v should be rejected, got %v", cfg, err)
		}
	}
}
