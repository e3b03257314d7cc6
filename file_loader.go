package csvscope

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// The subset of the S3 client used to fetch objects.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SourceOpener resolves an input location into a stream of CSV text.
//
// Supported locations:
//   - "-": standard input
//   - "http://..." and "https://...": fetched with HTTPClient
//   - "s3://bucket/key": fetched with S3; if S3 is nil a client is created from
//     the default AWS configuration (environment, shared config, IMDS)
//   - anything else: a local file path
//
// gzip and zstd compressed content is detected by its magic bytes and
// decompressed transparently, regardless of the location.
type SourceOpener struct {
	HTTPClient *http.Client
	S3         S3GetObjectAPI
	Stdin      io.Reader

	logger logrus.FieldLogger
}

func NewSourceOpener() *SourceOpener {
	return &SourceOpener{
		HTTPClient: http.DefaultClient,
		Stdin:      os.Stdin,
		logger:     logrus.WithField("tag", "SourceOpener"),
	}
}

func (o *SourceOpener) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	raw, err := o.openRaw(ctx, location)
	if err != nil {
		return nil, err
	}

	decompressed, err := Decompress(raw)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to decompress %s: %w", location, err)
	}

	o.log().WithField("location", location).Info("opened input")
	return decompressed, nil
}

func (o *SourceOpener) log() logrus.FieldLogger {
	if o.logger == nil {
		o.logger = logrus.WithField("tag", "SourceOpener")
	}
	return o.logger
}

func (o *SourceOpener) openRaw(ctx context.Context, location string) (io.ReadCloser, error) {
	switch {
	case location == "-":
		stdin := o.Stdin
		if stdin == nil {
			stdin = os.Stdin
		}
		return io.NopCloser(stdin), nil
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return o.openHTTP(ctx, location)
	case strings.HasPrefix(location, "s3://"):
		return o.openS3(ctx, location)
	default:
		f, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("failed to open input file: %w", err)
		}
		return f, nil
	}
}

func (o *SourceOpener) openHTTP(ctx context.Context, location string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid input URL: %w", err)
	}

	client := o.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", location, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch %s: unexpected status %s", location, resp.Status)
	}

	return resp.Body, nil
}

// Splits "s3://bucket/some/key.csv" into bucket and key.
func ParseS3Location(location string) (string, string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 location: %w", err)
	}

	key := strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || u.Host == "" || key == "" {
		return "", "", fmt.Errorf("invalid S3 location %q, expected s3://bucket/key", location)
	}

	return u.Host, key, nil
}

func (o *SourceOpener) openS3(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, key, err := ParseS3Location(location)
	if err != nil {
		return nil, err
	}

	if o.S3 == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		o.S3 = s3.NewFromConfig(cfg)
	}

	out, err := o.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}

	return out.Body, nil
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error {
	return r.close()
}

// Wraps input in a gzip or zstd decoder if it starts with the respective magic
// bytes; plain input is passed through. Closing the result closes input.
func Decompress(input io.ReadCloser) (io.ReadCloser, error) {
	buffered := bufio.NewReader(input)
	head, err := buffered.Peek(len(zstdMagic))
	if err != nil && err != io.EOF {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(buffered)
		if err != nil {
			return nil, err
		}
		return readCloser{Reader: gz, close: func() error {
			gz.Close()
			return input.Close()
		}}, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(buffered)
		if err != nil {
			return nil, err
		}
		return readCloser{Reader: zr, close: func() error {
			zr.Close()
			return input.Close()
		}}, nil
	default:
		return readCloser{Reader: buffered, close: input.Close}, nil
	}
}
