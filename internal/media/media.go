package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

var ErrNotImage = errors.New("upload is not an image")

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Store persists shop images and returns the URL clients load them from.
type Store interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) (string, error)
}

type Options struct {
	Bucket   string
	Region   string
	LocalDir string
	BaseURL  string
}

// New returns an S3 store when a bucket is configured and a local directory
// store otherwise.
func New(options Options) (Store, error) {
	if options.Bucket != "" {
		return NewS3Store(options.Bucket, options.Region)
	}
	return NewLocalStore(options.LocalDir, options.BaseURL)
}

// ObjectKey names an upload after its owner and upload time.
func ObjectKey(ownerID, contentType string, at time.Time) string {
	return fmt.Sprintf("%s-%d%s", sanitize(ownerID), at.UnixMilli(), imageExtensions[contentType])
}

// Sniff detects the content type of body without consuming it and rejects
// anything that is not an image.
func Sniff(body io.Reader) (string, io.Reader, error) {
	buffered := bufio.NewReaderSize(body, 512)
	head, err := buffered.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", nil, err
	}
	contentType := http.DetectContentType(head)
	if _, ok := imageExtensions[contentType]; !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrNotImage, contentType)
	}
	return contentType, buffered, nil
}

type uploaderAPI interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

type S3Store struct {
	uploader uploaderAPI
	bucket   string
	region   string
}

// NewS3Store uses the default AWS credential chain.
func NewS3Store(bucket, region string) (*S3Store, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return &S3Store{uploader: s3manager.NewUploader(sess), bucket: bucket, region: region}, nil
}

func (s *S3Store) Put(ctx context.Context, key, contentType string, body io.Reader) (string, error) {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}

type LocalStore struct {
	dir     string
	baseURL string
}

func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if dir == "" {
		dir = "uploads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalStore) Put(ctx context.Context, key, _ string, body io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := filepath.Base(key)
	dst, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(dst, body); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("save file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("save file: %w", err)
	}
	return s.baseURL + "/" + name, nil
}

// Handler serves stored files. Mount it at Prefix.
func (s *LocalStore) Handler() http.Handler {
	return http.StripPrefix(s.Prefix(), http.FileServer(http.Dir(s.dir)))
}

// Prefix is the URL path stored files are served under.
func (s *LocalStore) Prefix() string {
	u, err := url.Parse(s.baseURL)
	if err != nil || u.Path == "" {
		return "/uploads"
	}
	return strings.TrimRight(u.Path, "/")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "anonymous"
	}
	return b.String()
}
