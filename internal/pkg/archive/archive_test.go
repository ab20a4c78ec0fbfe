package archive

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	puts    []*s3.PutObjectInput
	bodies  []string
	headErr error
	created []*s3.CreateBucketInput
	putErr  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	b, _ := io.ReadAll(in.Body)
	f.puts = append(f.puts, in)
	f.bodies = append(f.bodies, string(b))
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = append(f.created, in)
	return &s3.CreateBucketOutput{}, nil
}

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 3, 7, 23, 30, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "events/2026/03/07/invoice.paid/evt_1.json", ObjectKey("invoice.paid", "evt_1", at))
	assert.Equal(t, "events/2026/03/07/unknown/no-id.json", ObjectKey("", "", at))
	assert.Equal(t, "events/2026/03/07/a_b/.._x.json", ObjectKey("a/b", "../x", at))
}

func TestStoreWritesUnderDatedKey(t *testing.T) {
	api := &fakeS3{}
	a := newArchive(api, &Config{BucketName: "events", Enabled: true})

	e := billing.Envelope{ID: "evt_1", Kind: "invoice.paid", Created: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	key, err := a.Store(context.Background(), e, []byte(`{"id":"evt_1"}`), true)
	require.NoError(t, err)

	assert.Equal(t, "events/2026/01/02/invoice.paid/evt_1.json", key)
	require.Len(t, api.puts, 1)
	assert.Equal(t, "events", aws.ToString(api.puts[0].Bucket))
	assert.Equal(t, "application/json", aws.ToString(api.puts[0].ContentType))
	assert.Equal(t, "true", api.puts[0].Metadata["signature-valid"])
	assert.Equal(t, `{"id":"evt_1"}`, api.bodies[0])
}

func TestStoreWithoutIDUsesPayloadHash(t *testing.T) {
	api := &fakeS3{}
	a := newArchive(api, &Config{BucketName: "events", Enabled: true})
	a.now = func() time.Time { return time.Date(2026, 5, 6, 0, 0, 0, 0, time.UTC) }

	key, err := a.Store(context.Background(), billing.Envelope{Kind: "invoice.paid"}, []byte(`{}`), false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "events/2026/05/06/invoice.paid/sha256-"))
}

func TestStorePropagatesError(t *testing.T) {
	a := newArchive(&fakeS3{putErr: errors.New("denied")}, &Config{BucketName: "events", Enabled: true})
	_, err := a.Store(context.Background(), billing.Envelope{ID: "evt_1", Kind: "x"}, []byte(`{}`), true)
	assert.Error(t, err)
}

func TestEnsureBucketCreatesOutsideProduction(t *testing.T) {
	env.Env = map[string]string{"APP_ENV": "dev"}
	t.Cleanup(func() { env.Env = nil })

	api := &fakeS3{headErr: errors.New("not found")}
	a := newArchive(api, &Config{BucketName: "events", Region: "eu-central-1", Enabled: true})
	require.NoError(t, a.ensureBucket(context.Background()))
	require.Len(t, api.created, 1)
	assert.NotNil(t, api.created[0].CreateBucketConfiguration)
}

func TestEnsureBucketFailsInProduction(t *testing.T) {
	env.Env = map[string]string{"APP_ENV": "prod"}
	t.Cleanup(func() { env.Env = nil })

	api := &fakeS3{headErr: errors.New("not found")}
	a := newArchive(api, &Config{BucketName: "events", Enabled: true})
	assert.Error(t, a.ensureBucket(context.Background()))
	assert.Empty(t, api.created)
}

func TestLoadConfigRequiresCredentialsWhenEnabled(t *testing.T) {
	env.Env = map[string]string{"S3_ARCHIVE_ENABLED": "true", "S3_BUCKET_NAME": "events"}
	t.Cleanup(func() { env.Env = nil })
	t.Setenv("S3_ACCESS_KEY_ID", "")

	_, err := LoadConfig()
	assert.Error(t, err)

	env.Env = map[string]string{"S3_ARCHIVE_ENABLED": "false"}
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
}
