// Package upload drives the three-phase upload protocol for a packed archive:
//
//	authorize  store/add (archive CID, size) -> signed URL + headers
//	transfer   PUT archive bytes to the signed URL
//	finalize   upload/add (root CID, [archive CID])
//
// Phases run strictly in that order, each only after the previous one
// succeeded. Authorize and transfer are never retried: a signed URL may be
// single use. Finalize is idempotent and is retried with bounded backoff.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"

	"xdao.co/w3car/bridge"
	"xdao.co/w3car/cidutil"
	"xdao.co/w3car/pack"
	"xdao.co/w3car/unixfs"
)

// Bridge is the subset of *bridge.Client the uploader needs.
type Bridge interface {
	Validate() error
	StoreAdd(ctx context.Context, link cid.Cid, size uint64) (bridge.Allocation, error)
	UploadAdd(ctx context.Context, root cid.Cid, shards []cid.Cid) error
}

var _ Bridge = (*bridge.Client)(nil)

// RetryPolicy bounds finalize retries.
type RetryPolicy struct {
	// Attempts is the total number of finalize attempts. Values below 1 mean 1.
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when Options.Retry is the zero value.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:        4,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// Options configures an Uploader.
type Options struct {
	Bridge Bridge
	// Transfer performs phase 2. If nil, HTTPTransfer with a 10 minute
	// timeout is used.
	Transfer Transferer
	// GatewayBase prefixes root CIDs to form the public locator, e.g.
	// https://w3s.link/ipfs.
	GatewayBase string
	Retry       RetryPolicy
	// Packer builds archives for UploadFile and UploadDirectory.
	Packer pack.Packer
	Logger *slog.Logger
}

// Uploader runs upload sessions. It holds only the injected clients, so
// concurrent uploads are independent.
type Uploader struct {
	bridge   Bridge
	transfer Transferer
	gateway  string
	retry    RetryPolicy
	packer   pack.Packer
	logger   *slog.Logger
}

// New constructs an Uploader.
func New(opts Options) (*Uploader, error) {
	if opts.Bridge == nil {
		return nil, errors.New("upload: bridge is required")
	}
	tr := opts.Transfer
	if tr == nil {
		tr = HTTPTransfer{Client: &http.Client{Timeout: 10 * time.Minute}}
	}
	retry := opts.Retry
	if retry == (RetryPolicy{}) {
		retry = DefaultRetryPolicy
	}
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Uploader{
		bridge:   opts.Bridge,
		transfer: tr,
		gateway:  strings.TrimRight(opts.GatewayBase, "/"),
		retry:    retry,
		packer:   opts.Packer,
		logger:   logger,
	}, nil
}

// Result is a finalized upload.
type Result struct {
	SessionID  string
	Root       cid.Cid
	Shard      cid.Cid
	Size       uint64
	GatewayURL string
}

// GatewayURL returns the public locator for root, or "" without a gateway.
func (u *Uploader) GatewayURL(root cid.Cid) string {
	if u.gateway == "" {
		return ""
	}
	return u.gateway + "/" + cidutil.String(root)
}

// UploadFile packs data and uploads it.
func (u *Uploader) UploadFile(ctx context.Context, data []byte) (Result, error) {
	a, err := u.packer.File(data)
	if err != nil {
		return Result{}, newError(KindEncoding, PhaseEncode, "pack file", err)
	}
	return u.Upload(ctx, a)
}

// UploadDirectory packs files under one directory root and uploads it.
func (u *Uploader) UploadDirectory(ctx context.Context, files []unixfs.File) (Result, error) {
	a, err := u.packer.Directory(files)
	if err != nil {
		return Result{}, newError(KindEncoding, PhaseEncode, "pack directory", err)
	}
	return u.Upload(ctx, a)
}

// Upload runs authorize, transfer and finalize for a.
//
// ctx is checked before each phase. A phase already in flight is allowed to
// finish; its duration is bounded by the HTTP clients' timeouts.
func (u *Uploader) Upload(ctx context.Context, a *pack.Archive) (Result, error) {
	s := newSession(a)
	log := u.logger.With(
		"session", s.ID,
		"root", cidutil.String(s.Root),
		"shard", cidutil.String(s.Shard),
		"size", s.Size,
	)
	fail := func(e *Error) (Result, error) {
		s.fail()
		e.Session = s.ID
		log.Warn("upload failed", "phase", e.Phase, "kind", e.Kind, "err", e)
		return Result{}, e
	}

	if err := u.bridge.Validate(); err != nil {
		return fail(newError(KindConfiguration, PhaseConfigure, "bridge not configured", err))
	}

	// Phase 1.
	if err := ctx.Err(); err != nil {
		return fail(newError(KindCanceled, PhaseAuthorize, "canceled", err))
	}
	alloc, err := u.bridge.StoreAdd(context.WithoutCancel(ctx), s.Shard, s.Size)
	if err != nil {
		if errors.Is(err, bridge.ErrMissingCredentials) {
			return fail(newError(KindConfiguration, PhaseAuthorize, "bridge not configured", err))
		}
		return fail(newError(KindAuthorizationDenied, PhaseAuthorize, "no write authorization", err))
	}
	if err := s.authorize(alloc); err != nil {
		return fail(newError(KindAuthorizationDenied, PhaseAuthorize, "session", err))
	}
	log.Debug("authorized", "status", alloc.Status)

	// Phase 2.
	if err := ctx.Err(); err != nil {
		return fail(newError(KindCanceled, PhaseTransfer, "canceled", err))
	}
	alloc, err = s.takeAllocation()
	if err != nil {
		return fail(newError(KindTransfer, PhaseTransfer, "session", err))
	}
	start := time.Now()
	if err := u.transfer.Put(context.WithoutCancel(ctx), alloc, a.Reader(), s.Size); err != nil {
		return fail(newError(KindTransfer, PhaseTransfer, "archive transfer failed", err))
	}
	if err := s.transferred(); err != nil {
		return fail(newError(KindTransfer, PhaseTransfer, "session", err))
	}
	log.Debug("transferred", "elapsed", time.Since(start))

	// Phase 3. The archive is stored, so registration is attempted at least
	// once even if ctx has ended; a canceled ctx only stops the retries.
	if err := u.finalize(ctx, log, s.Root, []cid.Cid{s.Shard}); err != nil {
		return fail(err)
	}
	if err := s.finalized(); err != nil {
		return fail(newError(KindFinalization, PhaseFinalize, "session", err))
	}

	res := Result{
		SessionID:  s.ID,
		Root:       s.Root,
		Shard:      s.Shard,
		Size:       s.Size,
		GatewayURL: u.GatewayURL(s.Root),
	}
	log.Info("upload finalized", "gateway", res.GatewayURL)
	return res, nil
}

// Finalize registers shards under root. It is safe to call again for a pair
// whose earlier registration failed.
func (u *Uploader) Finalize(ctx context.Context, root cid.Cid, shards []cid.Cid) error {
	if err := u.bridge.Validate(); err != nil {
		return newError(KindConfiguration, PhaseConfigure, "bridge not configured", err)
	}
	if !root.Defined() || len(shards) == 0 {
		return newError(KindFinalization, PhaseFinalize, "root and at least one shard are required", nil)
	}
	if err := u.finalize(ctx, u.logger.With("root", cidutil.String(root)), root, shards); err != nil {
		return err
	}
	return nil
}

func (u *Uploader) finalize(ctx context.Context, log *slog.Logger, root cid.Cid, shards []cid.Cid) *Error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = u.retry.InitialInterval
	if u.retry.MaxInterval > 0 {
		exp.MaxInterval = u.retry.MaxInterval
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(u.retry.Attempts-1)), ctx)

	attempts := 0
	var last error
	op := func() error {
		attempts++
		err := u.bridge.UploadAdd(context.WithoutCancel(ctx), root, shards)
		if err == nil {
			return nil
		}
		last = err
		var re *bridge.RemoteError
		if errors.As(err, &re) && !re.Retryable() {
			return backoff.Permanent(err)
		}
		if errors.Is(err, bridge.ErrMissingCredentials) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("finalize attempt failed", "attempt", attempts, "retry_in", wait, "err", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if last == nil {
			last = err
		}
		e := newError(KindFinalization, PhaseFinalize, fmt.Sprintf("registration failed after %d attempt(s)", attempts), last)
		if ctx.Err() != nil && !errors.Is(last, ctx.Err()) {
			e.Message += " (canceled)"
		}
		return e
	}
	log.Debug("finalized", "attempts", attempts)
	return nil
}

// Outcome is the result of one upload in a batch.
type Outcome struct {
	Result Result
	Err    error
}

// UploadMany uploads archives concurrently, at most limit at a time (all at
// once when limit < 1). Each archive gets its own session; a failure does
// not affect the others. Outcomes are in input order.
func (u *Uploader) UploadMany(ctx context.Context, archives []*pack.Archive, limit int) []Outcome {
	out := make([]Outcome, len(archives))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, a := range archives {
		i, a := i, a
		g.Go(func() error {
			res, err := u.Upload(ctx, a)
			out[i] = Outcome{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
