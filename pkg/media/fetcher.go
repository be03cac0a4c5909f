// Package media downloads and decrypts end-to-end encrypted media files.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/lrhodin/wabot/pkg/wamsg"
)

const (
	DefaultMaxAttempts = 10
	DefaultBackoffBase = 250 * time.Millisecond
	DefaultBackoffCap  = 4 * time.Second
	DefaultCDNHost     = "mmg.whatsapp.net"
)

var fetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wabot_media_fetch_attempts_total",
	Help: "Encrypted media download attempts by result.",
}, []string{"result"})

// Downloader performs a single download attempt of an encrypted file.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// ExhaustedError is returned when every attempt failed. Last is the error
// of the final attempt.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("media fetch failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

type Options struct {
	MaxAttempts int
	// BackoffBase is the delay after the first failure, doubled after each
	// further failure up to BackoffCap. Zero retries immediately.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	CDNHost     string
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.CDNHost == "" {
		o.CDNHost = DefaultCDNHost
	}
	return o
}

// Media is a decrypted file.
type Media struct {
	Kind     wamsg.MediaKind
	Data     []byte
	Mimetype string
	Caption  string
}

type Fetcher struct {
	downloader Downloader
	opts       Options
	log        zerolog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewFetcher(downloader Downloader, opts Options, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		downloader: downloader,
		opts:       opts.withDefaults(),
		log:        log.With().Str("component", "media").Logger(),
		sleep:      sleepCtx,
	}
}

func (f *Fetcher) MaxAttempts() int {
	return f.opts.MaxAttempts
}

// Fetch downloads, verifies and decrypts the referenced file. Transient
// failures (network, MAC, hash) are retried up to MaxAttempts times; an
// unusable key fails immediately.
func (f *Fetcher) Fetch(ctx context.Context, ref *wamsg.MediaRef) (*Media, error) {
	keys, err := DeriveKeys(ref.MediaKey, ref.Kind)
	if err != nil {
		return nil, err
	}
	url, err := mediaURL(ref, f.opts.CDNHost)
	if err != nil {
		return nil, err
	}
	log := f.log.With().Str("media_kind", string(ref.Kind)).Logger()

	var lastErr error
	for attempt := 1; attempt <= f.opts.MaxAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		var data []byte
		data, lastErr = f.attempt(ctx, url, ref, keys)
		if lastErr == nil {
			fetchAttempts.WithLabelValues("success").Inc()
			if attempt > 1 {
				log.Debug().Int("attempt", attempt).Msg("Media fetch succeeded after retry")
			}
			mime := ref.Mimetype
			if mime == "" {
				mime = mimetype.Detect(data).String()
			}
			return &Media{Kind: ref.Kind, Data: data, Mimetype: mime, Caption: ref.Caption}, nil
		}
		fetchAttempts.WithLabelValues("failure").Inc()
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return nil, lastErr
		}
		log.Warn().Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", f.opts.MaxAttempts).
			Msg("Media fetch attempt failed")
		if attempt < f.opts.MaxAttempts {
			if err = f.sleep(ctx, f.backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, &ExhaustedError{Attempts: f.opts.MaxAttempts, Last: lastErr}
}

func (f *Fetcher) attempt(ctx context.Context, url string, ref *wamsg.MediaRef, keys *Keys) ([]byte, error) {
	encrypted, err := f.downloader.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	plaintext, err := Decrypt(encrypted, keys)
	if err != nil {
		return nil, err
	}
	if err = verifyHashes(ref, encrypted, plaintext); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (f *Fetcher) backoff(failures int) time.Duration {
	if f.opts.BackoffBase <= 0 {
		return 0
	}
	delay := f.opts.BackoffBase
	for i := 1; i < failures && delay < f.opts.BackoffCap; i++ {
		delay *= 2
	}
	return min(delay, f.opts.BackoffCap)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mediaURL(ref *wamsg.MediaRef, cdnHost string) (string, error) {
	if ref.URL != "" {
		return ref.URL, nil
	}
	if ref.DirectPath == "" {
		return "", errors.New("media reference has neither URL nor direct path")
	}
	return "https://" + cdnHost + ref.DirectPath, nil
}
