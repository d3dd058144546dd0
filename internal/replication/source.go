package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Errors returned by upstream operations. The distinction matters: an
// unavailable upstream is retried on the next cycle, a vanished sequence
// means local progress has fallen off the upstream's retention window and
// no amount of retrying will recover it.
var (
	// ErrUpstreamUnavailable indicates a network or server failure talking
	// to the upstream. Transient.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrSequenceGone indicates the upstream no longer serves a sequence
	// this cache still needs.
	ErrSequenceGone = errors.New("sequence no longer available upstream")
)

// Source fetches replication data from an upstream base URL.
type Source struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

// NewSource creates a Source for the given base URL.
// If client is nil a default with a 30s request timeout is used.
func NewSource(baseURL string, client *http.Client, logger *log.Logger) (*Source, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid upstream URL %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[replication] ", log.LstdFlags)
	}
	return &Source{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
	}, nil
}

// LatestSequence fetches the upstream's current latest published sequence
// from its state descriptor.
func (s *Source) LatestSequence(ctx context.Context) (int, error) {
	stateURL := s.baseURL + "/state.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stateURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: GET %s returned %s",
			ErrUpstreamUnavailable, stateURL, resp.Status)
	}

	seq, err := ParseState(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return seq, nil
}

// Fetch downloads the payload for a sequence into the staging directory.
//
// The payload lands as <stagingDir>/<sequence>.osc.gz via a temp file and
// rename, so a partially downloaded diff is never mistaken for a staged
// one. A 404 or 410 from the upstream maps to ErrSequenceGone.
func (s *Source) Fetch(ctx context.Context, seq int, stagingDir string) (string, error) {
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	dest := filepath.Join(stagingDir, strconv.Itoa(seq)+".osc.gz")
	payloadURL := s.baseURL + "/" + SequencePath(seq)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, payloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to download
	case http.StatusNotFound, http.StatusGone:
		return "", fmt.Errorf("%w: sequence %d (GET %s returned %s)",
			ErrSequenceGone, seq, payloadURL, resp.Status)
	default:
		return "", fmt.Errorf("%w: GET %s returned %s",
			ErrUpstreamUnavailable, payloadURL, resp.Status)
	}

	tmp, err := os.CreateTemp(stagingDir, fmt.Sprintf(".%d-*.osc.gz", seq))
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("%w: download of sequence %d interrupted: %v",
			ErrUpstreamUnavailable, seq, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to close staging file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to stage sequence %d: %w", seq, err)
	}

	s.logger.Printf("Staged sequence %d (%s)", seq, dest)
	return dest, nil
}
