package media

import (
	"fmt"
	"mime"
)

const DefaultMaxBytes = 10 << 20

// Policy is the gatekeeper for stored media, whether uploaded over HTTP or
// sent inline over a session.
type Policy struct {
	AllowedTypes []string
	MaxBytes     int64
}

func DefaultPolicy() Policy {
	return Policy{
		AllowedTypes: []string{"image/jpeg", "image/png", "image/gif", "video/mp4"},
		MaxBytes:     DefaultMaxBytes,
	}
}

func (p Policy) Check(contentType string, size int64) error {
	if p.MaxBytes > 0 && size > p.MaxBytes {
		return fmt.Errorf("%w: %d bytes", ErrMediaTooLarge, size)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnsupportedMedia, contentType)
	}
	for _, allowed := range p.AllowedTypes {
		if mediaType == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedMedia, mediaType)
}
