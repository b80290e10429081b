package internal

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// coverForwarder hands cover jobs to the image-processing collaborator over
// HTTP. The core never touches image bytes itself; a missing collaborator
// URL turns the covers queue into a logged no-op.
type coverForwarder struct {
	url    string
	client *http.Client
}

var _ coverProcessor = (*coverForwarder)(nil)

func NewCoverForwarder(url string) *coverForwarder {
	return &coverForwarder{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *coverForwarder) Process(ctx context.Context, cover CoverMessage) error {
	if f.url == "" {
		Log(ctx).Debug("no cover processor configured, dropping job", "isbn", cover.ISBN)
		return nil
	}

	body, err := sonic.ConfigStd.Marshal(cover)
	if err != nil {
		return fmt.Errorf("%w: marshaling cover job: %w", errBadRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("forwarding cover %s: %w", cover.ISBN, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return statusErr(resp.StatusCode)
	}
	return nil
}
