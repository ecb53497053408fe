package rendezvous

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// BlobStore keeps keys as blobs in one Azure Storage container. Blob names
// are the keys and LastModified is the write time.
type BlobStore struct {
	client    *azblob.Client
	container string
}

var _ Store = (*BlobStore)(nil)

// BlobOptions selects how a BlobStore authenticates.
type BlobOptions struct {
	// ConnectionString takes precedence when set.
	ConnectionString string
	// AccountURL (https://{account}.blob.core.windows.net/) is used with
	// DefaultAzureCredential when no connection string is given.
	AccountURL string
	Container  string
	// CreateContainer creates the container if it does not exist.
	CreateContainer bool
}

// NewBlobStore connects to the container described by opts.
func NewBlobStore(ctx context.Context, opts BlobOptions) (*BlobStore, error) {
	if opts.Container == "" {
		return nil, fmt.Errorf("blob store: container name required")
	}

	var client *azblob.Client
	var err error
	switch {
	case opts.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(opts.ConnectionString, nil)
	case opts.AccountURL != "":
		cred, cerr := azidentity.NewDefaultAzureCredential(nil)
		if cerr != nil {
			return nil, fmt.Errorf("NewDefaultAzureCredential: %w", cerr)
		}
		client, err = azblob.NewClient(opts.AccountURL, cred, nil)
	default:
		return nil, fmt.Errorf("blob store: connection string or account URL required")
	}
	if err != nil {
		return nil, fmt.Errorf("azblob client: %w", err)
	}

	if opts.CreateContainer {
		_, err := client.CreateContainer(ctx, opts.Container, nil)
		if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			return nil, fmt.Errorf("create container %s: %w", opts.Container, err)
		}
	}
	return &BlobStore{client: client, container: opts.Container}, nil
}

func (b *BlobStore) Put(ctx context.Context, key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if _, err := b.client.UploadBuffer(ctx, b.container, key, []byte(value), nil); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (b *BlobStore) Get(ctx context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	resp, err := b.client.DownloadStream(ctx, b.container, key, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("download %s: %w", key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return string(data), nil
}

func (b *BlobStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := b.client.DeleteBlob(ctx, b.container, key, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *BlobStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	pager := b.client.NewListBlobsFlatPager(b.container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})

	var out []Entry
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			e := Entry{Key: *item.Name}
			if item.Properties != nil && item.Properties.LastModified != nil {
				e.Modified = *item.Properties.LastModified
			}
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
