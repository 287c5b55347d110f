package blob

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	stderrors "errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/thorium-research/thorium/infrastructure/errors"
	"github.com/thorium-research/thorium/infrastructure/metrics"
)

// Buckets is the fixed set of buckets every deployment bootstraps (spec
// §4.11).
var Buckets = []string{"files", "repos", "attachments", "results", "ephemeral", "graphics", "reaction-cache"}

// maxDeleteBatch is S3's DeleteObjects batch limit.
const maxDeleteBatch = 1000

// maxListPerCall caps a single BulkDelete call at 10,000 keys, per spec
// §4.11's "truncated at 10,000 keys per call".
const maxListPerCall = 10000

// Config names the S3-compatible endpoint connection details.
type Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// TestLifecycle, when true, bootstraps buckets with a 1-day expiration
	// lifecycle suitable for test environments (spec §4.11); production
	// lifecycle is configured externally.
	TestLifecycle bool
}

// Store is the C11 blob store: CaRT-encrypted streaming upload/download
// with hashing, bulk delete, and bucket bootstrap.
type Store struct {
	client   S3API
	uploader Uploader
	metrics  *metrics.Metrics
	password []byte
}

// New builds a Store directly from an S3API/Uploader pair, for tests and
// for callers that construct their own client.
func New(client S3API, uploader Uploader, cartPassword []byte, m *metrics.Metrics) *Store {
	return &Store{client: client, uploader: uploader, metrics: m, password: cartPassword}
}

// Connect builds an S3-compatible client using aws-sdk-go-v2's standard
// config/credentials wiring.
func Connect(ctx context.Context, cfg Config, cartPassword []byte, m *metrics.Metrics) (*Store, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Internal("load aws config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.Endpoint != ""
	})

	return New(client, manager.NewUploader(client), cartPassword, m), nil
}

// BootstrapBuckets creates each of Buckets, accepting "already owned" as
// success, and attaches a short test lifecycle when requested (spec
// §4.11).
func (s *Store) BootstrapBuckets(ctx context.Context, cfg Config) error {
	for _, bucket := range Buckets {
		_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
		if err != nil {
			if !isBucketOwnershipErr(err) {
				return errors.ExternalCallFailed("s3 create bucket "+bucket, err)
			}
		}
		if cfg.TestLifecycle {
			if err := s.setTestLifecycle(ctx, bucket); err != nil {
				return err
			}
		}
	}
	return nil
}

func isBucketOwnershipErr(err error) bool {
	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	return stderrors.As(err, &owned) || stderrors.As(err, &exists)
}

func (s *Store) setTestLifecycle(ctx context.Context, bucket string) error {
	_, err := s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: []types.LifecycleRule{
				{
					ID:        aws.String("thorium-test-expiration"),
					Status:    types.ExpirationStatusEnabled,
					Filter:    &types.LifecycleRuleFilter{Prefix: aws.String("")},
					Expiration: &types.LifecycleExpiration{Days: aws.Int32(1)},
				},
			},
		},
	})
	if err != nil {
		return errors.ExternalCallFailed("s3 put lifecycle "+bucket, err)
	}
	return nil
}

// UploadResult is what Upload returns once a CaRT-encrypted multipart
// upload completes.
type UploadResult struct {
	Hashes HashTriple
	Bytes  int64
}

// Upload streams src into bucket/key as a CaRT-encrypted object,
// computing the plaintext hash triple alongside the upload (spec §4.11:
// "simultaneously hashes... CaRT-encrypts... performs multipart
// upload"). On failure the SDK's manager.Uploader aborts the in-flight
// multipart upload itself.
func (s *Store) Upload(ctx context.Context, bucket, key string, src io.Reader) (*UploadResult, error) {
	start := time.Now()
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, errors.Internal("generate cart salt", err)
	}

	encrypted, err := NewCartEncryptStream(src, s.password, salt)
	if err != nil {
		return nil, err
	}

	counting := &countingReader{r: encrypted}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   counting,
	})
	if s.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordBlobUpload(bucket, status, counting.n, time.Since(start))
	}
	if err != nil {
		return nil, errors.ExternalCallFailed("s3 upload "+bucket+"/"+key, err)
	}

	return &UploadResult{Hashes: encrypted.Triple(), Bytes: counting.n}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// DownloadMode selects which representation of a stored object a caller
// wants back (spec §4.11).
type DownloadMode int

const (
	// DownloadRawCart returns the CaRT envelope bytes unmodified.
	DownloadRawCart DownloadMode = iota
	// DownloadUncart decrypts the CaRT envelope on the fly.
	DownloadUncart
	// DownloadLegacyZip wraps small files in a deprecated AES-encrypted
	// zip for agents that predate the CaRT migration.
	DownloadLegacyZip
)

// Download streams bucket/key back in the requested mode.
func (s *Store) Download(ctx context.Context, bucket, key string, mode DownloadMode) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, errors.ExternalCallFailed("s3 get "+bucket+"/"+key, err)
	}

	switch mode {
	case DownloadRawCart:
		return out.Body, nil
	case DownloadUncart:
		decrypted, err := NewCartDecryptReader(out.Body, s.password)
		if err != nil {
			out.Body.Close()
			return nil, err
		}
		return struct {
			io.Reader
			io.Closer
		}{decrypted, out.Body}, nil
	case DownloadLegacyZip:
		return s.legacyZipDownload(out.Body, key)
	default:
		out.Body.Close()
		return nil, errors.InvalidInput("mode", "unknown download mode")
	}
}

// legacyZipDownload decrypts the CaRT envelope, re-encrypts it as an
// AES-CTR stream, and wraps it in a single-file zip archive, matching
// the deprecated format old agents still request for small files.
func (s *Store) legacyZipDownload(body io.ReadCloser, key string) (io.ReadCloser, error) {
	defer body.Close()
	decrypted, err := NewCartDecryptReader(body, s.password)
	if err != nil {
		return nil, err
	}
	plaintext, err := io.ReadAll(decrypted)
	if err != nil {
		return nil, errors.Internal("read plaintext for legacy zip", err)
	}

	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, errors.Internal("generate legacy zip salt", err)
	}
	aesKey := deriveLegacyZipKey(s.password, salt[:])
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, errors.Internal("init legacy aes cipher", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Internal("generate legacy iv", err)
	}
	stream := cipher.NewCTR(block, iv)
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)

	var buf bytes.Buffer
	buf.Write(salt[:])
	buf.Write(iv)
	zw := zip.NewWriter(&buf)
	fw, err := zw.Create(key)
	if err != nil {
		return nil, errors.Internal("create zip entry", err)
	}
	if _, err := fw.Write(ciphertext); err != nil {
		return nil, errors.Internal("write zip entry", err)
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Internal("close zip writer", err)
	}
	return io.NopCloser(&buf), nil
}

// BulkDelete paginates list_prefix -> delete_objects in batches of at
// most maxDeleteBatch keys, truncated at maxListPerCall total, returning
// every key it deleted (spec §4.11).
func (s *Store) BulkDelete(ctx context.Context, bucket, prefix string) ([]string, error) {
	var deleted []string
	var continuationToken *string

	for len(deleted) < maxListPerCall {
		listOut, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return deleted, errors.ExternalCallFailed("s3 list "+bucket+"/"+prefix, err)
		}
		if len(listOut.Contents) == 0 {
			break
		}
		if room := maxListPerCall - len(deleted); len(listOut.Contents) > room {
			listOut.Contents = listOut.Contents[:room]
		}

		for start := 0; start < len(listOut.Contents); start += maxDeleteBatch {
			end := start + maxDeleteBatch
			if end > len(listOut.Contents) {
				end = len(listOut.Contents)
			}
			batch := listOut.Contents[start:end]

			ids := make([]types.ObjectIdentifier, len(batch))
			keys := make([]string, len(batch))
			for i, obj := range batch {
				ids[i] = types.ObjectIdentifier{Key: obj.Key}
				keys[i] = aws.ToString(obj.Key)
			}
			_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(bucket),
				Delete: &types.Delete{Objects: ids},
			})
			if err != nil {
				return deleted, errors.ExternalCallFailed("s3 delete_objects "+bucket, err)
			}
			deleted = append(deleted, keys...)
		}

		if listOut.IsTruncated == nil || !*listOut.IsTruncated {
			break
		}
		continuationToken = listOut.NextContinuationToken
	}

	if len(deleted) > maxListPerCall {
		deleted = deleted[:maxListPerCall]
	}
	return deleted, nil
}
