//go:build cloudintegration

package s3blob

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htgrid/htgrid/pkg/store"
	"github.com/htgrid/htgrid/test/cloudtest"
)

func newTestBlobs(t *testing.T) *Blobs {
	t.Helper()
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)
	b, err := New(ctx, Config{
		Bucket:          bucket,
		Prefix:          "attachments",
		Region:          cloudtest.Region,
		Endpoint:        cloudtest.Endpoint,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	return b
}

func TestBlobsRoundTrip(t *testing.T) {
	b := newTestBlobs(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "run-1", "water.inp", "text/plain", []byte("O 0 0 0")))
	body, ct, err := b.Get(ctx, "run-1", "water.inp")
	require.NoError(t, err)
	assert.Equal(t, "O 0 0 0", string(body))
	assert.Equal(t, "text/plain", ct)

	names, err := b.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"water.inp"}, names)
}

func TestBlobsMissingKey(t *testing.T) {
	b := newTestBlobs(t)
	_, _, err := b.Get(context.Background(), "run-1", "nope.inp")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestBlobsBackStore(t *testing.T) {
	b := newTestBlobs(t)
	ctx := context.Background()

	st, err := store.Open(ctx, store.Config{Path: ":memory:", Blobs: b})
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.PutAttachment(ctx, "doc-1", "a.inp", "", []byte("data")))
	body, _, err := st.GetAttachment(ctx, "doc-1", "a.inp")
	require.NoError(t, err)
	assert.Equal(t, "data", string(body))
}
