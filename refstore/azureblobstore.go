package refstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/forgehub/cre/identity"
)

// ErrBlobNotFound is returned by AzureBlobStore.Load when the delegate has
// never published a blob at the expected path.
var ErrBlobNotFound = errors.New("refstore: blob not found")

// blobClient is the narrow subset of *azblob.Client this package depends
// on, so tests can substitute a fake without standing up a real account.
type blobClient interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
	DownloadStream(ctx context.Context, containerName, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
}

// AzureBlobStore persists a delegate's signed envelope as a single blob
// per (delegate, repo), addressed deterministically rather than by
// listing a container. Each delegate publishes its whole ref set as one
// envelope, so one blob write replaces the previous one outright: there
// is no append or patch path.
type AzureBlobStore struct {
	client    blobClient
	container string
}

// NewAzureBlobStore builds a persister that reads and writes blobs in
// container via client.
func NewAzureBlobStore(client blobClient, container string) *AzureBlobStore {
	return &AzureBlobStore{client: client, container: container}
}

// blobPath returns the deterministic blob name a delegate's signed
// envelope for repo lives at.
func blobPath(repo identity.RepoID, delegate identity.Delegate) string {
	return fmt.Sprintf("repos/%s/delegates/%s/refs", repo.String(), delegate)
}

// Load fetches and decodes the envelope at delegate/repo's blob path. It
// returns ErrBlobNotFound if no blob has been written there yet.
func (a *AzureBlobStore) Load(ctx context.Context, repo identity.RepoID, delegate identity.Delegate) (SignedRefSet, []byte, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, blobPath(repo, delegate), nil)
	if err != nil {
		if isBlobNotFound(err) {
			return SignedRefSet{}, nil, ErrBlobNotFound
		}
		return SignedRefSet{}, nil, fmt.Errorf("refstore: downloading signed refs blob: %w", err)
	}
	defer resp.Body.Close()

	envelope, err := io.ReadAll(resp.Body)
	if err != nil {
		return SignedRefSet{}, nil, fmt.Errorf("refstore: reading signed refs blob: %w", err)
	}

	set, err := DecodeEnvelope(envelope)
	if err != nil {
		return SignedRefSet{}, nil, err
	}
	return set, envelope, nil
}

// Save writes envelope to delegate/repo's blob path, unconditionally
// replacing whatever was there. The store's own sequence-number check
// (MemStore.Update, or an equivalent gate in front of this persister) is
// what prevents a stale envelope from ever reaching Save.
func (a *AzureBlobStore) Save(ctx context.Context, repo identity.RepoID, delegate identity.Delegate, envelope []byte) error {
	_, err := a.client.UploadBuffer(ctx, a.container, blobPath(repo, delegate), envelope, &azblob.UploadBufferOptions{})
	if err != nil {
		return fmt.Errorf("refstore: uploading signed refs blob: %w", err)
	}
	return nil
}

// isBlobNotFound reports whether err is the Azure SDK's not-found
// response for a blob that has never been written.
func isBlobNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	return respErr.ErrorCode == string(blob.StorageErrorCodeBlobNotFound)
}
