// Package s3test provides an in-memory bucket implementing the s3 driver's
// Client interface, for tests that cannot reach a real endpoint.
package s3test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	s3driver "github.com/gobeaver/vaultfs/driver/s3"
)

var _ s3driver.Client = (*Client)(nil)

type object struct {
	data     []byte
	checksum string
	modTime  time.Time
}

// Client is an in-memory bucket. Objects written with a SHA-256 checksum
// algorithm report the base64 digest on HeadObject, as S3 does.
type Client struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]*object
}

// NewClient creates an empty bucket.
func NewClient(bucket string) *Client {
	return &Client{bucket: bucket, objects: make(map[string]*object)}
}

// Has reports whether key exists.
func (c *Client) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.objects[key]
	return ok
}

// Keys returns every key in the bucket, sorted.
func (c *Client) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.objects))
	for key := range c.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (c *Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	var data []byte
	if params.Body != nil {
		var err error
		if data, err = io.ReadAll(params.Body); err != nil {
			return nil, err
		}
	}
	obj := &object{data: data, modTime: time.Now()}
	if params.ChecksumAlgorithm == types.ChecksumAlgorithmSha256 {
		sum := sha256.Sum256(data)
		obj.checksum = base64.StdEncoding.EncodeToString(sum[:])
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[aws.ToString(params.Key)] = obj
	return &s3.PutObjectOutput{}, nil
}

func (c *Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	data := obj.data
	if r := aws.ToString(params.Range); r != "" {
		var offset int
		if _, err := fmt.Sscanf(r, "bytes=%d-", &offset); err != nil {
			return nil, err
		}
		data = data[offset:]
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (c *Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	out := &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.modTime),
	}
	if params.ChecksumMode == types.ChecksumModeEnabled && obj.checksum != "" {
		out.ChecksumSHA256 = aws.String(obj.checksum)
	}
	return out, nil
}

func (c *Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := aws.ToString(params.Prefix)
	delimiter := aws.ToString(params.Delimiter)
	keys := make([]string, 0, len(c.objects))
	for key := range c.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	seen := map[string]bool{}
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		if i := strings.Index(rest, delimiter); delimiter != "" && i >= 0 {
			common := prefix + rest[:i+1]
			if !seen[common] {
				seen[common] = true
				out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(common)})
			}
			continue
		}
		if limit := aws.ToInt32(params.MaxKeys); limit > 0 && len(out.Contents) >= int(limit) {
			break
		}
		obj := c.objects[key]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modTime),
		})
	}
	return out, nil
}

func (c *Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (c *Client) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range params.Delete.Objects {
		delete(c.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (c *Client) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := strings.TrimPrefix(aws.ToString(params.CopySource), c.bucket+"/")
	obj, ok := c.objects[src]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	copied := *obj
	copied.modTime = time.Now()
	c.objects[aws.ToString(params.Key)] = &copied
	return &s3.CopyObjectOutput{}, nil
}
