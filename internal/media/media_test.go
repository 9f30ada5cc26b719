package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func TestObjectKey(t *testing.T) {
	at := time.UnixMilli(1760000000123)
	if got := ObjectKey("owner-1", "image/png", at); got != "owner-1-1760000000123.png" {
		t.Fatalf("unexpected key %s", got)
	}
	if got := ObjectKey("auth0|abc/../x", "image/jpeg", at); got != "auth0_abc____x-1760000000123.jpg" {
		t.Fatalf("unexpected sanitized key %s", got)
	}
}

func TestSniff(t *testing.T) {
	contentType, body, err := Sniff(bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("sniff: %v", err)
	}
	if contentType != "image/png" {
		t.Fatalf("expected image/png, got %s", contentType)
	}
	rest, _ := io.ReadAll(body)
	if !bytes.Equal(rest, pngHeader) {
		t.Fatalf("sniff consumed the body")
	}

	if _, _, err := Sniff(strings.NewReader("plain text")); !errors.Is(err, ErrNotImage) {
		t.Fatalf("expected ErrNotImage, got %v", err)
	}
}

func TestLocalStorePutAndServe(t *testing.T) {
	dir := t.TempDir()
	st, err := NewLocalStore(dir, "http://localhost:8080/uploads")
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	url, err := st.Put(context.Background(), "owner-1-1.png", "image/png", bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if url != "http://localhost:8080/uploads/owner-1-1.png" {
		t.Fatalf("unexpected url %s", url)
	}
	if _, err := os.Stat(filepath.Join(dir, "owner-1-1.png")); err != nil {
		t.Fatalf("expected stored file: %v", err)
	}

	if st.Prefix() != "/uploads" {
		t.Fatalf("unexpected prefix %s", st.Prefix())
	}
	rec := httptest.NewRecorder()
	st.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/owner-1-1.png", nil))
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), pngHeader) {
		t.Fatalf("expected file to be served, got %d", rec.Code)
	}
}

type fakeUploader struct {
	input *s3manager.UploadInput
	err   error
}

func (f *fakeUploader) UploadWithContext(_ aws.Context, input *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	f.input = input
	return &s3manager.UploadOutput{}, f.err
}

func TestS3StorePut(t *testing.T) {
	up := &fakeUploader{}
	st := &S3Store{uploader: up, bucket: "qline-media", region: "eu-west-1"}
	url, err := st.Put(context.Background(), "owner-1-1.png", "image/png", bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if url != "https://qline-media.s3.eu-west-1.amazonaws.com/owner-1-1.png" {
		t.Fatalf("unexpected url %s", url)
	}
	if aws.StringValue(up.input.Bucket) != "qline-media" || aws.StringValue(up.input.ContentType) != "image/png" {
		t.Fatalf("unexpected upload input %+v", up.input)
	}

	up.err = errors.New("denied")
	if _, err := st.Put(context.Background(), "k", "image/png", bytes.NewReader(pngHeader)); err == nil {
		t.Fatalf("expected upload error")
	}
}
