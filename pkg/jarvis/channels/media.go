package channels

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// MaxMediaBytes caps attachment downloads. Voice notes are far smaller; the
// cap keeps a forwarded video from being buffered for transcription.
const MaxMediaBytes = 20 << 20

// Fetch downloads an attachment over HTTP. Non-2xx responses and bodies
// over MaxMediaBytes wrap ErrMediaDownloadFailed.
func Fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaDownloadFailed, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrMediaDownloadFailed, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaDownloadFailed, err)
	}
	if len(data) > MaxMediaBytes {
		return nil, fmt.Errorf("%w: attachment exceeds %d bytes", ErrMediaDownloadFailed, MaxMediaBytes)
	}
	return data, nil
}
