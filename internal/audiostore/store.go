// Package audiostore uploads synthesized clips to a Supabase storage bucket
// and hands back their public URLs.
package audiostore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/supabase-go"

	"chatrelay/internal/config"
)

// bucket is the part of the Supabase storage client used here.
type bucket interface {
	Upload(key string, data []byte) error
	PublicURL(key string) string
}

type supabaseBucket struct {
	client *supabase.Client
	name   string
}

func (b supabaseBucket) Upload(key string, data []byte) error {
	_, err := b.client.Storage.UploadFile(b.name, key, bytes.NewReader(data))
	return err
}

func (b supabaseBucket) PublicURL(key string) string {
	return b.client.Storage.GetPublicUrl(b.name, key).SignedURL
}

// Store saves audio clips under a date-partitioned prefix.
type Store struct {
	bucket bucket
	now    func() time.Time
}

// New connects to the configured Supabase project.
func New(cfg config.AudioStoreConfig) (*Store, error) {
	if !cfg.Enabled() {
		return nil, errors.New("audio store not configured")
	}
	client, err := supabase.NewClient(cfg.SupabaseURL, cfg.ServiceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Store{
		bucket: supabaseBucket{client: client, name: cfg.Bucket},
		now:    time.Now,
	}, nil
}

// SaveAudioClip uploads data and returns a durable URL for it. The object
// key is made unique so retries never overwrite an earlier clip.
func (s *Store) SaveAudioClip(ctx context.Context, data []byte, filename, mimeType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("audio clip is empty")
	}

	key := path.Join(
		"clips",
		s.now().UTC().Format("2006/01/02"),
		uuid.NewString()+"-"+sanitize(filename)+extension(mimeType),
	)
	if err := s.bucket.Upload(key, data); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return s.bucket.PublicURL(key), nil
}

func extension(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "audio/mpeg"):
		return ".mp3"
	case strings.HasPrefix(mimeType, "audio/L16"):
		return ".pcm"
	case strings.HasPrefix(mimeType, "audio/wav"):
		return ".wav"
	default:
		return ".bin"
	}
}

func sanitize(name string) string {
	name = strings.TrimSuffix(path.Base(name), path.Ext(name))
	if name == "." || name == "/" {
		return "clip"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "clip"
	}
	return b.String()
}
