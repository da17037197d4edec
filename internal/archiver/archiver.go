// Package archiver implements the Snapshot Archiver: a
// best-effort, post-commit collaborator that uploads reducer state
// snapshots to Azure Blob Storage for off-box disaster recovery. It never
// sits on the commit path and its failures are never core errors.
//
// The write discipline is an etag-guarded conditional write: an etag match
// guards every overwrite of a known blob, and an If-None-Match: * guards
// every first write, so two archivers racing to publish the same snapshot
// slot can never silently clobber one another.
package archiver

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"go.uber.org/zap"
)

// ErrEtagMismatch is returned when a conditional upload is rejected
// because the blob changed since the archiver last observed it — a racing
// archiver (or a concurrent manual upload) won; the caller must re-read
// and retry, never silently resolve.
var ErrEtagMismatch = errors.New("snapshot blob etag mismatch: a concurrent writer published first")

// Descriptor names the logical snapshot slot being archived; Seq
// identifies the reducer snapshot and is encoded into the blob path so
// successive snapshots never collide with one another's conditional
// writes.
type Descriptor struct {
	Seq uint64
	StateHash [32]byte
}

// BlobClient is the narrow subset of *azblob.Client the archiver depends
// on, so tests can substitute a fake without
// standing up a storage account.
type BlobClient interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buf []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
	DownloadStream(ctx context.Context, containerName, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
}

// Archiver uploads reducer snapshots to a single configured container.
type Archiver struct {
	client BlobClient
	container string
	log *zap.SugaredLogger

	// knownETags tracks the last observed etag per blob path so a
	// subsequent overwrite can present If-Match instead of assuming
	// absence; populated on successful upload and cleared after any failed
	// upload, so the next attempt for that path presents If-None-Match
	// rather than a possibly stale etag.
	knownETags map[string]azcore.ETag
}

// New constructs an Archiver against container using client.
func New(client BlobClient, container string, log *zap.SugaredLogger) *Archiver {
	return &Archiver{client: client, container: container, log: log, knownETags: make(map[string]azcore.ETag)}
}

func blobPath(desc Descriptor) string {
	return fmt.Sprintf("snapshots/%020d.snapshot", desc.Seq)
}

// ArchiveSnapshot uploads data under the path implied by desc, using
// If-None-Match: * when the archiver has no record of a prior upload to
// this path, or If-Match: <etag> when it does.
func (a *Archiver) ArchiveSnapshot(ctx context.Context, desc Descriptor, data []byte) error {
	path := blobPath(desc)
	conditions := &blob.AccessConditions{ModifiedAccessConditions: &blob.ModifiedAccessConditions{}}

	if etag, known := a.knownETags[path]; known {
		conditions.ModifiedAccessConditions.IfMatch = &etag
	} else {
		anyEtag := azcore.ETagAny
		conditions.ModifiedAccessConditions.IfNoneMatch = &anyEtag
	}

	resp, err := a.client.UploadBuffer(ctx, a.container, path, data, &azblob.UploadBufferOptions{
		AccessConditions: conditions,
	})
	if err != nil {
		delete(a.knownETags, path)
		if isPreconditionFailed(err) {
			return fmt.Errorf("%w: %v", ErrEtagMismatch, err)
		}
		return fmt.Errorf("uploading snapshot %s: %w", path, err)
	}

	if resp.ETag != nil {
		a.knownETags[path] = *resp.ETag
	}
	if a.log != nil {
		a.log.Infow("archived snapshot", "seq", desc.Seq, "path", path)
	}
	return nil
}

// isPreconditionFailed recognizes the HTTP 412 the Azure SDK surfaces for
// a failed If-Match/If-None-Match condition, without depending on the
// SDK's internal error type hierarchy beyond its documented ResponseError.
func isPreconditionFailed(err error) bool {
	var respErr interface{ StatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.StatusCode() == 412
	}
	return false
}

// FetchLatest downloads the snapshot blob named by desc, for disaster
// recovery when the local log store is lost but the archive survives.
func (a *Archiver) FetchLatest(ctx context.Context, desc Descriptor) ([]byte, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, blobPath(desc), nil)
	if err != nil {
		return nil, fmt.Errorf("downloading snapshot %s: %w", blobPath(desc), err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("reading snapshot body: %w", err)
	}
	return buf.Bytes(), nil
}
