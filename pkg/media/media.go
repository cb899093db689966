package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"strings"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/tiff"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mercadito/chatsync/pkg/chatsync"
)

// thumbMaxDim caps the longest edge of generated thumbnails.
const thumbMaxDim = 800

// Upload is the result of pushing one attachment to blob storage.
type Upload struct {
	URL      string
	ThumbURL string
	MimeType string
	Width    int
	Height   int
}

// BlobStore persists attachment bytes and returns a URL other devices can
// fetch. Implementations own object naming within the given key.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Uploader sniffs attachment content, generates JPEG thumbnails for large
// images, and pushes both renditions to a BlobStore.
type Uploader struct {
	log   zerolog.Logger
	blobs BlobStore
}

func NewUploader(blobs BlobStore, log zerolog.Logger) *Uploader {
	return &Uploader{
		log:   log.With().Str("component", "media").Logger(),
		blobs: blobs,
	}
}

// Upload stores the attachment and, for decodable images larger than the
// thumbnail cap, a scaled JPEG alongside it. The MIME type comes from
// content sniffing, never from the caller.
func (u *Uploader) Upload(ctx context.Context, data []byte) (*Upload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty attachment", chatsync.ErrMediaUploadFailed)
	}
	mime := mimetype.Detect(data).String()
	id := uuid.New().String()

	result := &Upload{MimeType: mime}
	if strings.HasPrefix(mime, "image/") && mime != "image/gif" {
		if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
			b := img.Bounds()
			result.Width, result.Height = b.Dx(), b.Dy()
			if result.Width > thumbMaxDim || result.Height > thumbMaxDim {
				if thumb := scaleAndEncodeThumb(img, result.Width, result.Height); thumb != nil {
					thumbURL, err := u.blobs.Put(ctx, id+"_thumb.jpg", "image/jpeg", thumb)
					if err != nil {
						return nil, fmt.Errorf("%w: %v", chatsync.ErrMediaUploadFailed, err)
					}
					result.ThumbURL = thumbURL
				}
			}
		} else {
			u.log.Debug().Str("mime_type", mime).Msg("Undecodable image, uploading without thumbnail")
		}
	}

	url, err := u.blobs.Put(ctx, id+extensionFor(mime), mime, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chatsync.ErrMediaUploadFailed, err)
	}
	result.URL = url
	u.log.Debug().
		Str("mime_type", mime).
		Int("size", len(data)).
		Bool("has_thumb", result.ThumbURL != "").
		Msg("Attachment uploaded")
	return result, nil
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/tiff":
		return ".tiff"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

// scaleAndEncodeThumb does a nearest-neighbor downscale to fit thumbMaxDim
// and encodes the result as JPEG. Returns nil when encoding fails.
func scaleAndEncodeThumb(img image.Image, origW, origH int) []byte {
	scale := min(float64(thumbMaxDim)/float64(origW), float64(thumbMaxDim)/float64(origH))
	thumbW := int(float64(origW) * scale)
	thumbH := int(float64(origH) * scale)
	if thumbW < 1 {
		thumbW = 1
	}
	if thumbH < 1 {
		thumbH = 1
	}

	srcBounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, thumbW, thumbH))
	for y := 0; y < thumbH; y++ {
		srcY := srcBounds.Min.Y + y*srcBounds.Dy()/thumbH
		for x := 0; x < thumbW; x++ {
			srcX := srcBounds.Min.X + x*srcBounds.Dx()/thumbW
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 75}); err != nil {
		return nil
	}
	return buf.Bytes()
}
