package content

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif" // decode registration
	"image/jpeg"
	_ "image/png" // decode registration
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // decode support for uploaded webp images

	"github.com/ortsverband/newsletter-dispatch/internal/pkg/logger"
)

// HeaderWidth is the rendered width of the newsletter header banner. Email
// clients commonly cap content at 600px, so wider uploads are scaled down.
const HeaderWidth = 600

const headerJPEGQuality = 85

// maxHeaderUploadBytes caps uploads before decoding.
const maxHeaderUploadBytes = 10 << 20

// s3Putter is the slice of the S3 API the header store needs.
type s3Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// HeaderStore normalizes uploaded header images and publishes them to S3 so
// the newsletter HTML can reference them by URL instead of inlining
// attachments.
type HeaderStore struct {
	s3      s3Putter
	bucket  string
	baseURL string
}

// NewHeaderStore creates a header store. baseURL is the public prefix under
// which bucket objects are reachable, without a trailing slash.
func NewHeaderStore(client s3Putter, bucket, baseURL string) *HeaderStore {
	return &HeaderStore{s3: client, bucket: bucket, baseURL: baseURL}
}

// Publish decodes, normalizes and uploads one header image. It returns the
// public URL to embed in the newsletter HTML.
func (h *HeaderStore) Publish(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty upload")
	}
	if len(data) > maxHeaderUploadBytes {
		return "", fmt.Errorf("upload exceeds %d MB", maxHeaderUploadBytes>>20)
	}

	normalized, err := NormalizeHeaderImage(data)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("newsletters/headers/%s/%s.jpg",
		time.Now().UTC().Format("2006/01"), uuid.New().String())

	_, err = h.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(h.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(normalized),
		ContentType:  aws.String("image/jpeg"),
		CacheControl: aws.String("public, max-age=31536000, immutable"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading header image: %w", err)
	}

	url := fmt.Sprintf("%s/%s", h.baseURL, key)
	logger.Info("header image published", "key", key, "bytes", len(normalized))
	return url, nil
}

// NormalizeHeaderImage decodes any supported format (jpeg, png, gif, webp),
// scales images wider than HeaderWidth down preserving aspect ratio, and
// re-encodes as JPEG.
func NormalizeHeaderImage(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > HeaderWidth {
		newHeight := int(float64(bounds.Dy()) * float64(HeaderWidth) / float64(bounds.Dx()))
		dst := image.NewRGBA(image.Rect(0, 0, HeaderWidth, newHeight))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: headerJPEGQuality}); err != nil {
		return nil, fmt.Errorf("encoding header image: %w", err)
	}
	return buf.Bytes(), nil
}
