// Package s3 provides an S3-backed epoch state backend.
//
// Each namespace is stored as one JSON snapshot object, so Clone is a
// single server-side CopyObject and Drop a single DeleteObject. Record
// writes are read-modify-write on the snapshot and are serialized within
// the process; the backend assumes a single writer per bucket prefix.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gezibash/arc-dmls/internal/epochstore/physical"
	"github.com/gezibash/arc-dmls/internal/storage"
)

const (
	KeyBucket          = "bucket"
	KeyRegion          = "region"
	KeyEndpoint        = "endpoint"
	KeyPrefix          = "prefix"
	KeyAccessKeyID     = "access_key_id"
	KeySecretAccessKey = "secret_access_key"
	KeyForcePathStyle  = "force_path_style"

	snapshotSuffix = ".json"
)

func init() {
	physical.Register(physical.Descriptor{
		Name:     "s3",
		Summary:  "one JSON snapshot object per namespace",
		Durable:  true,
		Factory:  NewFactory,
		Defaults: Defaults(),
	})
}

// Defaults returns the default configuration for the S3 backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyRegion:         "us-east-1",
		KeyPrefix:         "dmls/",
		KeyForcePathStyle: "false",
	}
}

// NewFactory creates a new S3 backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	o := storage.NewOptions("s3", config)

	bucket, err := o.Required(KeyBucket)
	if err != nil {
		return nil, err
	}
	forcePathStyle, err := o.Bool(KeyForcePathStyle, false)
	if err != nil {
		return nil, err
	}
	region := o.String(KeyRegion, "us-east-1")
	endpoint := o.String(KeyEndpoint, "")
	prefix := o.String(KeyPrefix, "dmls/")
	accessKey := o.String(KeyAccessKeyID, "")
	secretKey := o.String(KeySecretAccessKey, "")

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, o.Fail(KeyRegion, "load aws config", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = forcePathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, o.Fail(KeyBucket, "bucket not accessible", err)
	}

	slog.Info("s3 epochstore initialized", "bucket", bucket, "prefix", prefix, "endpoint", endpoint)
	return NewWithClient(client, bucket, prefix), nil
}

// Backend is an S3 implementation of physical.Backend.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string

	// writeMu serializes snapshot read-modify-write cycles.
	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewWithClient creates a backend over an existing S3 client.
func NewWithClient(client *s3.Client, bucket, prefix string) *Backend {
	return &Backend{client: client, bucket: bucket, prefix: prefix}
}

type snapshot struct {
	Records map[string][]byte `json:"records"`
}

func (b *Backend) objectKey(ns string) string {
	return b.prefix + "epochs/" + ns + snapshotSuffix
}

func (b *Backend) check(ns string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	if !physical.ValidNamespace(ns) {
		return fmt.Errorf("%w: %q", physical.ErrInvalidNamespace, ns)
	}
	return nil
}

// load reads the snapshot of ns. A missing object is an empty snapshot.
func (b *Backend) load(ctx context.Context, ns string) (*snapshot, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(ns)),
	})
	if isNotFound(err) {
		return &snapshot{Records: map[string][]byte{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", ns, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", ns, err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("s3 decode %s: %w", ns, err)
	}
	if snap.Records == nil {
		snap.Records = map[string][]byte{}
	}
	return &snap, nil
}

// store writes the snapshot of ns, deleting the object when it is empty.
func (b *Backend) store(ctx context.Context, ns string, snap *snapshot) error {
	if len(snap.Records) == 0 {
		return b.deleteObject(ctx, ns)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("s3 encode %s: %w", ns, err)
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(ns)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", ns, err)
	}
	return nil
}

func (b *Backend) deleteObject(ctx context.Context, ns string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(ns)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3 delete %s: %w", ns, err)
	}
	return nil
}

// Get retrieves one record.
func (b *Backend) Get(ctx context.Context, ns, key string) ([]byte, error) {
	if err := b.check(ns); err != nil {
		return nil, err
	}
	snap, err := b.load(ctx, ns)
	if err != nil {
		return nil, err
	}
	v, ok := snap.Records[key]
	if !ok {
		return nil, physical.ErrNotFound
	}
	return v, nil
}

// Put stores one record.
func (b *Backend) Put(ctx context.Context, ns, key string, value []byte) error {
	if err := b.check(ns); err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	snap, err := b.load(ctx, ns)
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	snap.Records[key] = value
	return b.store(ctx, ns, snap)
}

// Delete removes one record.
func (b *Backend) Delete(ctx context.Context, ns, key string) error {
	if err := b.check(ns); err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	snap, err := b.load(ctx, ns)
	if err != nil {
		return err
	}
	if _, ok := snap.Records[key]; !ok {
		return nil
	}
	delete(snap.Records, key)
	return b.store(ctx, ns, snap)
}

// Keys lists the record keys of ns.
func (b *Backend) Keys(ctx context.Context, ns string) ([]string, error) {
	if err := b.check(ns); err != nil {
		return nil, err
	}
	snap, err := b.load(ctx, ns)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(snap.Records))
	for k := range snap.Records {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

// Clone replaces dst with a server-side copy of src.
func (b *Backend) Clone(ctx context.Context, src, dst string) error {
	if err := b.check(src); err != nil {
		return err
	}
	if err := b.check(dst); err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(b.objectKey(dst)),
		CopySource: aws.String(b.bucket + "/" + b.objectKey(src)),
	})
	if isNotFound(err) {
		return b.deleteObject(ctx, dst)
	}
	if err != nil {
		return fmt.Errorf("s3 clone %s -> %s: %w", src, dst, err)
	}
	return nil
}

// Drop removes every record of ns.
func (b *Backend) Drop(ctx context.Context, ns string) error {
	if err := b.check(ns); err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.deleteObject(ctx, ns)
}

// Namespaces lists every non-empty namespace.
func (b *Backend) Namespaces(ctx context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	listPrefix := b.prefix + "epochs/"
	var out []string
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(listPrefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), listPrefix)
			if ns, ok := strings.CutSuffix(name, snapshotSuffix); ok && physical.ValidNamespace(ns) {
				out = append(out, ns)
			}
		}
	}
	slices.Sort(out)
	return out, nil
}

// Stats returns storage statistics. It reads every snapshot.
func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	namespaces, err := b.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	st := &physical.Stats{Namespaces: len(namespaces), BackendType: "s3"}
	for _, ns := range namespaces {
		snap, err := b.load(ctx, ns)
		if err != nil {
			return nil, err
		}
		st.Records += int64(len(snap.Records))
		for _, v := range snap.Records {
			st.SizeBytes += int64(len(v))
		}
	}
	return st, nil
}

// Close marks the backend closed. The S3 client holds no resources.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

// isNotFound checks if an error indicates a missing object.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
