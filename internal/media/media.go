// Package media stores uploaded attachments on disk and hands back the URL
// they are served under.
package media

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const subdir = "chat_media"

var (
	ErrInvalidDataURI   = errors.New("invalid data uri")
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrMediaTooLarge    = errors.New("media too large")
	ErrForeignMedia     = errors.New("media belongs to another message")
)

type Store struct {
	dir       string
	urlPrefix string
	log       *zap.Logger
}

func NewStore(dir, urlPrefix string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(dir, subdir), 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	if !strings.HasSuffix(urlPrefix, "/") {
		urlPrefix += "/"
	}
	return &Store{dir: dir, urlPrefix: urlPrefix, log: log}, nil
}

func (s *Store) Dir() string { return s.dir }

// IsDataURI reports whether ref carries its payload inline.
func IsDataURI(ref string) bool {
	return strings.HasPrefix(ref, "data:") && strings.Contains(ref, ";base64,")
}

// DecodeDataURI splits a "data:<mime>;base64,<payload>" reference.
func DecodeDataURI(ref string) (contentType string, data []byte, err error) {
	if !IsDataURI(ref) {
		return "", nil, ErrInvalidDataURI
	}
	header, payload, _ := strings.Cut(strings.TrimPrefix(ref, "data:"), ";base64,")
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
		}
	}
	return header, data, nil
}

// SaveDataURI decodes an inline payload and stores it if p accepts it.
func (s *Store) SaveDataURI(ref string, p Policy) (string, error) {
	contentType, data, err := DecodeDataURI(ref)
	if err != nil {
		return "", err
	}
	if err := p.Check(contentType, int64(len(data))); err != nil {
		return "", err
	}
	return s.Save(strings.NewReader(string(data)), contentType)
}

// Save writes r to a fresh file and returns its public URL.
func (s *Store) Save(r io.Reader, contentType string) (string, error) {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	name := uuid.NewString() + extension(contentType)
	f, err := os.OpenFile(filepath.Join(s.dir, subdir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", err
	}

	s.log.Debug("media_saved", zap.String("name", name), zap.String("content_type", contentType), zap.Int64("bytes", n))
	return s.urlPrefix + path.Join(subdir, name), nil
}

// localPath maps url back to a file in the store.
func (s *Store) localPath(url string) (string, bool) {
	rel, ok := strings.CutPrefix(url, s.urlPrefix)
	if !ok || rel == "" {
		return "", false
	}
	clean := path.Clean("/" + rel)[1:]
	if !strings.HasPrefix(clean, subdir+"/") {
		return "", false
	}
	return filepath.Join(s.dir, filepath.FromSlash(clean)), true
}

// Owns reports whether url points at a file Remove would delete.
func (s *Store) Owns(url string) bool {
	_, ok := s.localPath(url)
	return ok
}

// Remove deletes the file behind url. URLs not owned by this store are ignored.
func (s *Store) Remove(url string) error {
	file, ok := s.localPath(url)
	if !ok {
		return nil
	}
	err := os.Remove(file)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
}

func extension(contentType string) string {
	if ext, ok := extensions[contentType]; ok {
		return ext
	}
	_, sub, ok := strings.Cut(contentType, "/")
	if !ok || sub == "" || strings.ContainsAny(sub, `/\.;`) {
		return ".bin"
	}
	return "." + sub
}
