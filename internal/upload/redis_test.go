package upload_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/upload"
)

func TestRedisStaging(t *testing.T) {
	url := os.Getenv("FM_TEST_REDIS_URL")
	if url == "" {
		t.Skip("FM_TEST_REDIS_URL is not set")
	}
	ctx := context.Background()

	client, err := upload.ConnectRedis(ctx, upload.RedisConfig{
		ConnectionURL:  url,
		RetryAttempts:  1,
		RetryInterval:  time.Second,
		ConnectTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, upload.RedisHealthcheck(client)(ctx))

	s := upload.NewRedisStaging(client, "fm:test:"+t.Name()+":")
	res := &upload.Reservation{
		UID:          "r-1",
		Target:       "file",
		FileUID:      "r-1",
		OwnerUserUID: "user-1",
		Object:       domain.ObjectRef{Location: domain.LocationS3, Bucket: "media", Key: "uploads/r-1.png"},
		Mode:         upload.ModeDirect,
		DeclaredSize: 10,
		Meta:         []byte(`{"is_public":true}`),
		ExpiresAt:    time.Now().Add(time.Minute),
	}
	require.NoError(t, s.Put(ctx, res))

	got, err := s.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, res.Object, got.Object)
	assert.JSONEq(t, `{"is_public":true}`, string(got.Meta))

	ttl, err := client.TTL(ctx, "fm:test:"+t.Name()+":r-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, s.Delete(ctx, "r-1"))
	_, err = s.Get(ctx, "r-1")
	assert.ErrorIs(t, err, upload.ErrReservationNotFound)

	expired := *res
	expired.ExpiresAt = time.Now().Add(-time.Second)
	assert.Error(t, s.Put(ctx, &expired))
}

func TestConnectRedisInvalidURL(t *testing.T) {
	t.Parallel()
	_, err := upload.ConnectRedis(context.Background(), upload.RedisConfig{ConnectionURL: "://bad", ConnectTimeout: time.Second})
	assert.ErrorIs(t, err, upload.ErrFailedToParseRedisConnString)
}
