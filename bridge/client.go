// Package bridge is a client for the upload bridge: an HTTP endpoint that
// accepts batches of capability invocations ("tasks") against a storage
// space and answers with one receipt per task.
package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/ipfs/go-cid"

	"xdao.co/w3car/cidutil"
)

// Task names understood by the bridge.
const (
	TaskStoreAdd  = "store/add"
	TaskUploadAdd = "upload/add"
)

// Request headers carrying the bridge credentials.
const (
	HeaderSecret        = "X-Auth-Secret"
	HeaderAuthorization = "Authorization"
)

// maxResponseBytes bounds how much of a bridge reply is kept as a diagnostic.
const maxResponseBytes = 1 << 20

// Credentials authenticate bridge requests. All three are required.
type Credentials struct {
	Secret        string
	Authorization string
	// Space is the DID of the storage space the tasks act on.
	Space string
}

// Validate reports every missing field at once.
func (c Credentials) Validate() error {
	var missing []string
	if c.Secret == "" {
		missing = append(missing, "secret")
	}
	if c.Authorization == "" {
		missing = append(missing, "authorization")
	}
	if c.Space == "" {
		missing = append(missing, "space")
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}

// Options configures a Client.
type Options struct {
	// Endpoint is the full bridge URL, e.g. https://up.example.net/bridge.
	Endpoint    string
	Credentials Credentials
	// HTTPClient is shared by every call and must be safe for concurrent use.
	// If nil, a client with a 60s timeout is used.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client invokes bridge tasks. It holds no per-upload state and is safe for
// concurrent use.
type Client struct {
	endpoint string
	creds    Credentials
	http     *http.Client
	logger   *slog.Logger
}

// New constructs a Client. Credentials are checked on every call rather than
// here, so a misconfigured process still reports a structured error per
// request.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{endpoint: opts.Endpoint, creds: opts.Credentials, http: hc, logger: logger}
}

// Validate checks that the client can make a request without contacting the bridge.
func (c *Client) Validate() error {
	var missing []string
	if c.endpoint == "" {
		missing = append(missing, "endpoint")
	} else if u, err := url.Parse(c.endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		missing = append(missing, "endpoint (invalid url)")
	}
	if err := c.creds.Validate(); err != nil {
		missing = append(missing, err.(*ConfigError).Missing...)
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}

// Allocation is a write authorization for one archive.
type Allocation struct {
	Status  string
	URL     string
	Headers map[string]string
}

// StoreAdd asks the bridge for a signed URL to which the archive named link,
// of exactly size bytes, may be written.
func (c *Client) StoreAdd(ctx context.Context, link cid.Cid, size uint64) (Allocation, error) {
	args := map[string]any{"link": toLink(link), "size": size}
	out, diag, err := c.invoke(ctx, TaskStoreAdd, args)
	if err != nil {
		return Allocation{}, err
	}
	if len(out.Error) > 0 && string(out.Error) != "null" {
		return Allocation{}, &RemoteError{Task: TaskStoreAdd, Reason: "rejected", Diagnostic: diag}
	}

	var ok struct {
		Status  string            `json:"status"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	}
	if len(out.Ok) > 0 {
		if err := json.Unmarshal(out.Ok, &ok); err != nil {
			return Allocation{}, &RemoteError{Task: TaskStoreAdd, Reason: "malformed result", Diagnostic: diag}
		}
	}
	if ok.URL == "" {
		return Allocation{}, &RemoteError{Task: TaskStoreAdd, Reason: "no upload url in result", Diagnostic: diag}
	}
	return Allocation{Status: ok.Status, URL: ok.URL, Headers: ok.Headers}, nil
}

// UploadAdd registers shards under root. Registering the same pair twice is
// harmless on the bridge side.
func (c *Client) UploadAdd(ctx context.Context, root cid.Cid, shards []cid.Cid) error {
	links := make([]link, len(shards))
	for i, s := range shards {
		links[i] = toLink(s)
	}
	args := map[string]any{"root": toLink(root), "shards": links}
	out, diag, err := c.invoke(ctx, TaskUploadAdd, args)
	if err != nil {
		return err
	}
	if len(out.Error) > 0 && string(out.Error) != "null" {
		return &RemoteError{Task: TaskUploadAdd, Reason: "rejected", Diagnostic: diag}
	}
	return nil
}

type link struct {
	Target string `json:"/"`
}

func toLink(id cid.Cid) link { return link{Target: cidutil.String(id)} }

type task struct {
	name  string
	space string
	args  any
}

func (t task) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{t.name, t.space, t.args})
}

type request struct {
	Tasks []task `json:"tasks"`
}

// Out is the result half of a receipt.
type Out struct {
	Ok    json.RawMessage `json:"ok,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
}

type receipt struct {
	Out *Out `json:"out"`
	P   *struct {
		Out *Out `json:"out"`
	} `json:"p"`
}

func (r receipt) out() *Out {
	if r.Out != nil {
		return r.Out
	}
	if r.P != nil {
		return r.P.Out
	}
	return nil
}

// invoke sends one task and returns its receipt's out. Non-2xx replies and
// replies without a receipt are RemoteErrors carrying the raw body. For
// upload/add a 2xx reply without a parsable receipt is accepted as success.
func (c *Client) invoke(ctx context.Context, name string, args any) (Out, Diagnostic, error) {
	if err := c.Validate(); err != nil {
		return Out{}, Diagnostic{}, err
	}

	body, err := json.Marshal(request{Tasks: []task{{name: name, space: c.creds.Space, args: args}}})
	if err != nil {
		return Out{}, Diagnostic{}, fmt.Errorf("bridge: %s: encode: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Out{}, Diagnostic{}, fmt.Errorf("bridge: %s: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSecret, c.creds.Secret)
	req.Header.Set(HeaderAuthorization, c.creds.Authorization)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Out{}, Diagnostic{}, fmt.Errorf("bridge: %s: %w", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Out{}, Diagnostic{}, fmt.Errorf("bridge: %s: read response: %w", name, err)
	}
	diag := Diagnostic{StatusCode: resp.StatusCode, Body: raw}
	c.logger.Debug("bridge task",
		"task", name,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Out{}, diag, &RemoteError{Task: name, Reason: "http " + http.StatusText(resp.StatusCode), Diagnostic: diag}
	}

	out := firstReceipt(raw)
	if out == nil {
		if name == TaskUploadAdd {
			return Out{}, diag, nil
		}
		return Out{}, diag, &RemoteError{Task: name, Reason: "no receipt in response", Diagnostic: diag}
	}
	return *out, diag, nil
}

// firstReceipt accepts an array of receipts or a single receipt object,
// each as {out} or {p:{out}}.
func firstReceipt(raw []byte) *Out {
	var receipts []receipt
	if err := json.Unmarshal(raw, &receipts); err == nil {
		if len(receipts) == 0 {
			return nil
		}
		return receipts[0].out()
	}
	var single receipt
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil
	}
	return single.out()
}
