package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"xdao.co/w3car/bridge"
)

const maxTransferDiagnostic = 64 << 10

// Transferer writes an archive to the destination named by an allocation.
type Transferer interface {
	Put(ctx context.Context, alloc bridge.Allocation, body io.Reader, size uint64) error
}

// TransferError is a non-2xx reply from the signed-URL destination.
type TransferError struct {
	Diagnostic bridge.Diagnostic
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer: destination replied HTTP %d", e.Diagnostic.StatusCode)
}

// HTTPTransfer PUTs the archive with the allocation's headers. The client is
// shared across uploads and must be safe for concurrent use.
type HTTPTransfer struct {
	Client *http.Client
}

func (t HTTPTransfer) Put(ctx context.Context, alloc bridge.Allocation, body io.Reader, size uint64) error {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, alloc.URL, body)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	req.ContentLength = int64(size)
	for k, v := range alloc.Headers {
		// Content-Length travels in req.ContentLength.
		if strings.EqualFold(k, "content-length") {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxTransferDiagnostic))
	return &TransferError{Diagnostic: bridge.Diagnostic{StatusCode: resp.StatusCode, Body: raw}}
}
