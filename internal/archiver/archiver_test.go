package archiver

import (
	"context"
	"errors"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/stretchr/testify/require"
)

type preconditionError struct{ status int }

func (e *preconditionError) Error() string { return "precondition failed" }
func (e *preconditionError) StatusCode() int { return e.status }

type fakeBlobClient struct {
	uploads int
	failNextWith error
	etag azcore.ETag
	lastOpts *azblob.UploadBufferOptions
}

func (f *fakeBlobClient) UploadBuffer(ctx context.Context, containerName, blobName string, buf []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error) {
	f.lastOpts = o
	if f.failNextWith != nil {
		err := f.failNextWith
		f.failNextWith = nil
		return azblob.UploadBufferResponse{}, err
	}
	f.uploads++
	f.etag = azcore.ETag("etag-" + string(rune('0'+f.uploads)))
	return azblob.UploadBufferResponse{ETag: &f.etag}, nil
}

func (f *fakeBlobClient) DownloadStream(ctx context.Context, containerName, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error) {
	return azblob.DownloadStreamResponse{}, errors.New("not implemented in fake")
}

func TestArchiveSnapshotFirstWriteUsesIfNoneMatch(t *testing.T) {
	client := &fakeBlobClient{}
	a := New(client, "snapshots", nil)

	err := a.ArchiveSnapshot(context.Background(), Descriptor{Seq: 1}, []byte("state"))
	require.NoError(t, err)
	require.Equal(t, 1, client.uploads)
	conds := client.lastOpts.AccessConditions.ModifiedAccessConditions
	require.NotNil(t, conds.IfNoneMatch)
	require.Nil(t, conds.IfMatch)
}

func TestArchiveSnapshotPreconditionFailureIsRetryable(t *testing.T) {
	client := &fakeBlobClient{failNextWith: &preconditionError{status: 412}}
	a := New(client, "snapshots", nil)

	err := a.ArchiveSnapshot(context.Background(), Descriptor{Seq: 1}, []byte("state"))
	require.ErrorIs(t, err, ErrEtagMismatch)
}

func TestArchiveSnapshotSecondWriteUsesIfMatch(t *testing.T) {
	client := &fakeBlobClient{}
	a := New(client, "snapshots", nil)
	desc := Descriptor{Seq: 2}

	require.NoError(t, a.ArchiveSnapshot(context.Background(), desc, []byte("v1")))
	require.Contains(t, a.knownETags, blobPath(desc))
	require.NoError(t, a.ArchiveSnapshot(context.Background(), desc, []byte("v2")))
	require.Equal(t, 2, client.uploads)
	conds := client.lastOpts.AccessConditions.ModifiedAccessConditions
	require.NotNil(t, conds.IfMatch)
	require.Equal(t, azcore.ETag("etag-1"), *conds.IfMatch)
	require.Nil(t, conds.IfNoneMatch)
}
