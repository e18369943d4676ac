package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"mailsync_server/core/port/out"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionAttachmentBlobs = "attachment_blobs"

	// Compression threshold - only compress if content is larger than this
	compressionThreshold = 1024

	// maxDocumentPayload stays below the 16MB BSON document limit.
	maxDocumentPayload = 15 << 20
)

var (
	ErrNotFound = errors.New("blob not found")
	ErrTooLarge = errors.New("blob exceeds document size limit")
)

// BlobAdapter implements out.BlobStore with one document per storage key.
type BlobAdapter struct {
	collection *mongo.Collection
}

var _ out.BlobStore = (*BlobAdapter)(nil)

func NewBlobAdapter(db *mongo.Database) *BlobAdapter {
	return &BlobAdapter{collection: db.Collection(collectionAttachmentBlobs)}
}

// EnsureIndexes creates necessary indexes for the collection.
func (a *BlobAdapter) EnsureIndexes(ctx context.Context) error {
	_, err := a.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

type blobDocument struct {
	Key          string    `bson:"key"`
	ContentType  string    `bson:"content_type,omitempty"`
	Data         []byte    `bson:"data"`
	IsCompressed bool      `bson:"is_compressed"`
	OriginalSize int64     `bson:"original_size"`
	StoredAt     time.Time `bson:"stored_at"`
}

// Put replaces the document at key, so a replayed download overwrites in place.
func (a *BlobAdapter) Put(ctx context.Context, key string, data []byte, contentType string) error {
	doc := blobDocument{
		Key:          key,
		ContentType:  contentType,
		Data:         data,
		OriginalSize: int64(len(data)),
		StoredAt:     time.Now().UTC(),
	}
	if len(data) > compressionThreshold {
		compressed, err := compress(data)
		if err != nil {
			return fmt.Errorf("failed to compress %s: %w", key, err)
		}
		if len(compressed) < len(data) {
			doc.Data = compressed
			doc.IsCompressed = true
		}
	}
	if len(doc.Data) > maxDocumentPayload {
		return fmt.Errorf("%s (%d bytes): %w", key, len(doc.Data), ErrTooLarge)
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := a.collection.ReplaceOne(ctx, bson.M{"key": key}, doc, opts); err != nil {
		return fmt.Errorf("failed to save blob %s: %w", key, err)
	}
	return nil
}

func (a *BlobAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	var doc blobDocument
	err := a.collection.FindOne(ctx, bson.M{"key": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load blob %s: %w", key, err)
	}
	if !doc.IsCompressed {
		return doc.Data, nil
	}
	return decompress(doc.Data)
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}
