package swimdev

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// CacheEntry is the metadata object stored beside each packed store path.
type CacheEntry struct {
	Hash     string `json:"hash"`
	Name     string `json:"name"`
	Program  string `json:"program"`
	System   string `json:"system"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	B3Sum    string `json:"b3sum"`
}

// CacheClient wraps an S3 client pointed at an S3-compatible binary cache
// (Cloudflare R2, MinIO, AWS).
type CacheClient struct {
	Client     *s3.Client
	BucketName string
	Prefix     string
}

// NewCacheClient initializes a cache client from SWIMDEV_S3_* configuration.
// It returns ErrCacheNotConfigured when no bucket is set.
func NewCacheClient(cfg *Config) (*CacheClient, error) {
	bucket := cfg.Values["SWIMDEV_S3_BUCKET"]
	if bucket == "" {
		return nil, ErrCacheNotConfigured
	}
	endpoint := cfg.Values["SWIMDEV_S3_ENDPOINT"]
	if endpoint == "" {
		if account := cfg.Values["SWIMDEV_R2_ACCOUNT_ID"]; account != "" {
			endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", account)
		}
	}
	region := cfg.Get("SWIMDEV_S3_REGION", "auto")

	options := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	accessKey := cfg.Values["SWIMDEV_S3_ACCESS_KEY_ID"]
	secretKey := cfg.Values["SWIMDEV_S3_SECRET_ACCESS_KEY"]
	if accessKey != "" && secretKey != "" {
		options = append(options, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load binary cache config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &CacheClient{
		Client:     client,
		BucketName: bucket,
		Prefix:     strings.Trim(cfg.Values["SWIMDEV_S3_PREFIX"], "/"),
	}, nil
}

func (c *CacheClient) key(name string) string {
	if c.Prefix == "" {
		return name
	}
	return c.Prefix + "/" + name
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nk)
}

// Lookup fetches the metadata of a store hash. Missing objects map to ErrCacheMiss.
func (c *CacheClient) Lookup(ctx context.Context, hash string) (CacheEntry, error) {
	var entry CacheEntry
	out, err := c.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.BucketName),
		Key:    aws.String(c.key(hash + ".json")),
	})
	if err != nil {
		if isNotFound(err) {
			return entry, ErrCacheMiss
		}
		return entry, err
	}
	defer out.Body.Close()
	if err := json.NewDecoder(out.Body).Decode(&entry); err != nil {
		return entry, fmt.Errorf("invalid cache entry for %s: %w", hash, err)
	}
	return entry, nil
}

// Push packs storePath and uploads it with its metadata. An entry already in
// the cache is left alone.
func (c *CacheClient) Push(ctx context.Context, storePath string, info StoreInfo) (CacheEntry, error) {
	if existing, err := c.Lookup(ctx, info.Hash); err == nil {
		debugf("%s already cached\n", info.Hash)
		return existing, nil
	} else if !errors.Is(err, ErrCacheMiss) {
		return CacheEntry{}, err
	}

	tarball := filepath.Join(CacheDir, "tmp", info.Hash+".tar.zst")
	if err := packDir(storePath, tarball); err != nil {
		return CacheEntry{}, err
	}
	defer os.Remove(tarball)

	sum, err := hashFile(tarball)
	if err != nil {
		return CacheEntry{}, err
	}
	stat, err := os.Stat(tarball)
	if err != nil {
		return CacheEntry{}, err
	}
	entry := CacheEntry{
		Hash:     info.Hash,
		Name:     info.Name,
		Program:  info.Program,
		System:   info.System,
		Filename: filepath.Base(tarball),
		Size:     stat.Size(),
		B3Sum:    sum,
	}

	f, err := os.Open(tarball)
	if err != nil {
		return entry, err
	}
	defer f.Close()
	if _, err := c.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.BucketName),
		Key:           aws.String(c.key(entry.Filename)),
		Body:          f,
		ContentLength: aws.Int64(entry.Size),
		ContentType:   aws.String("application/zstd"),
	}); err != nil {
		return entry, fmt.Errorf("failed to upload %s: %w", entry.Filename, err)
	}

	meta, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return entry, err
	}
	if _, err := c.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.BucketName),
		Key:           aws.String(c.key(info.Hash + ".json")),
		Body:          strings.NewReader(string(meta)),
		ContentLength: aws.Int64(int64(len(meta))),
		ContentType:   aws.String("application/json"),
	}); err != nil {
		return entry, fmt.Errorf("failed to upload metadata for %s: %w", info.Hash, err)
	}
	return entry, nil
}

// Substitute downloads a cached store path, verifies it and unpacks it into
// storePath. The output is staged first and only renamed into place after it
// passes verification.
func (c *CacheClient) Substitute(ctx context.Context, hash, program, storePath string) error {
	entry, err := c.Lookup(ctx, hash)
	if err != nil {
		return err
	}

	out, err := c.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.BucketName),
		Key:    aws.String(c.key(entry.Filename)),
	})
	if err != nil {
		if isNotFound(err) {
			return ErrCacheMiss
		}
		return err
	}
	defer out.Body.Close()

	staging, err := stagingDir(program)
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	tarball := filepath.Join(staging, entry.Filename)
	f, err := os.Create(tarball)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, out.Body)
	closeErr := f.Close()
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", entry.Filename, err)
	}
	if closeErr != nil {
		return closeErr
	}

	sum, err := hashFile(tarball)
	if err != nil {
		return err
	}
	if sum != entry.B3Sum {
		return fmt.Errorf("checksum mismatch for cached %s: expected %s, got %s", entry.Filename, entry.B3Sum, sum)
	}

	unpacked := filepath.Join(staging, "out")
	if err := extractArchive(tarball, unpacked, false); err != nil {
		return err
	}
	if err := verifyOutput(unpacked, program); err != nil {
		return err
	}

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)
	if err := commitStorePath(unpacked, storePath); err != nil {
		return err
	}
	step("Substituted %s from binary cache", filepath.Base(storePath))
	return writeStoreInfo(storePath, StoreInfo{
		Name:    entry.Name,
		Program: entry.Program,
		System:  entry.System,
		Hash:    entry.Hash,
	})
}
