package upload_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xdao.co/w3car/bridge"
	"xdao.co/w3car/bridge/bridgetest"
	"xdao.co/w3car/cidutil"
	"xdao.co/w3car/pack"
	"xdao.co/w3car/unixfs"
	"xdao.co/w3car/upload"
)

const gateway = "https://gateway.example/ipfs/"

var fastRetry = upload.RetryPolicy{Attempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func newUploader(t *testing.T, srv *bridgetest.Server, retry upload.RetryPolicy) *upload.Uploader {
	t.Helper()
	u, err := upload.New(upload.Options{
		Bridge:      srv.Client(),
		Transfer:    upload.HTTPTransfer{Client: srv.Server.Client()},
		GatewayBase: gateway,
		Retry:       retry,
	})
	require.NoError(t, err)
	return u
}

func mustArchive(t *testing.T, payload string) *pack.Archive {
	t.Helper()
	a, err := pack.File([]byte(payload))
	require.NoError(t, err)
	return a
}

func TestUpload_HappyPath(t *testing.T) {
	srv := bridgetest.New(t)
	u := newUploader(t, srv, fastRetry)
	a := mustArchive(t, "hello world")

	res, err := u.Upload(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, res.Root.Equals(a.Root()))
	assert.True(t, res.Shard.Equals(a.CID()))
	assert.Equal(t, a.Size(), res.Size)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, "https://gateway.example/ipfs/bafkreifzjut3te2nhyekklss27nh3k72ysco7y32koao5eei66wof36n5e", res.GatewayURL)

	assert.Equal(t, []string{bridgetest.EventStoreAdd, bridgetest.EventPut, bridgetest.EventUploadAdd}, srv.Kinds())

	ev := srv.Events()
	assert.Equal(t, a.Size(), ev[0].Size, "authorized size")
	assert.Equal(t, a.Size(), ev[1].Size, "transferred size")
	assert.Equal(t, http.StatusOK, ev[1].Status)

	blob, ok := srv.Blob(a.CID())
	require.True(t, ok)
	assert.Equal(t, a.Bytes(), blob)
	assert.Equal(t, []string{cidutil.String(a.CID())}, srv.Shards(a.Root()))
}

func TestUpload_EmptyPayload(t *testing.T) {
	srv := bridgetest.New(t)
	u := newUploader(t, srv, fastRetry)

	res, err := u.UploadFile(context.Background(), nil)
	require.NoError(t, err)
	want, err := cidutil.RawCID(nil)
	require.NoError(t, err)
	assert.True(t, res.Root.Equals(want))
	assert.Len(t, srv.Kinds(), 3)
}

func TestUpload_MissingURLIsAuthorizationDenied(t *testing.T) {
	srv := bridgetest.New(t)
	srv.OmitURL = true
	u := newUploader(t, srv, fastRetry)

	_, err := u.Upload(context.Background(), mustArchive(t, "cert"))
	require.Error(t, err)
	assert.True(t, upload.IsKind(err, upload.KindAuthorizationDenied))

	var ue *upload.Error
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, upload.PhaseAuthorize, ue.Phase)
	assert.NotEmpty(t, ue.Session)
	require.NotNil(t, ue.Remote)
	assert.Contains(t, string(ue.Remote.Body), `"status":"upload"`)

	assert.Equal(t, []string{bridgetest.EventStoreAdd}, srv.Kinds(), "no PUT after a failed authorization")
}

func TestUpload_BridgeRejectionCarriesDiagnostic(t *testing.T) {
	srv := bridgetest.New(t)
	srv.StoreAddStatus = http.StatusInsufficientStorage
	u := newUploader(t, srv, fastRetry)

	_, err := u.Upload(context.Background(), mustArchive(t, "cert"))
	var ue *upload.Error
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, upload.KindAuthorizationDenied, ue.Kind)
	require.NotNil(t, ue.Remote)
	assert.Equal(t, http.StatusInsufficientStorage, ue.Remote.StatusCode)
	assert.Contains(t, string(ue.Remote.JSON()), "space quota exceeded")
	assert.Equal(t, []string{bridgetest.EventStoreAdd}, srv.Kinds())
}

func TestUpload_TransferFailureSkipsFinalize(t *testing.T) {
	srv := bridgetest.New(t)
	srv.PutStatus = http.StatusServiceUnavailable
	u := newUploader(t, srv, fastRetry)

	_, err := u.Upload(context.Background(), mustArchive(t, "cert"))
	var ue *upload.Error
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, upload.KindTransfer, ue.Kind)
	assert.Equal(t, upload.PhaseTransfer, ue.Phase)
	assert.Nil(t, ue.Remote)
	require.NotNil(t, ue.Destination)
	assert.Equal(t, http.StatusServiceUnavailable, ue.Destination.StatusCode)

	assert.Equal(t, []string{bridgetest.EventStoreAdd, bridgetest.EventPut}, srv.Kinds())
}

func TestUpload_FinalizeFailureThenManualFinalize(t *testing.T) {
	srv := bridgetest.New(t)
	srv.UploadAddStatus = http.StatusInternalServerError
	srv.UploadAddFailures = 1
	u := newUploader(t, srv, upload.RetryPolicy{Attempts: 1})
	a := mustArchive(t, "certificate bytes")

	_, err := u.Upload(context.Background(), a)
	var ue *upload.Error
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, upload.KindFinalization, ue.Kind)
	require.NotNil(t, ue.Remote)
	assert.Equal(t, http.StatusInternalServerError, ue.Remote.StatusCode)

	// The archive is stored even though the upload is reported as failed.
	_, stored := srv.Blob(a.CID())
	assert.True(t, stored)
	assert.Empty(t, srv.Shards(a.Root()))

	require.NoError(t, u.Finalize(context.Background(), a.Root(), []cid.Cid{a.CID()}))
	assert.Equal(t, []string{cidutil.String(a.CID())}, srv.Shards(a.Root()))

	// Registering the same pair again is harmless.
	require.NoError(t, u.Finalize(context.Background(), a.Root(), []cid.Cid{a.CID()}))
	assert.Equal(t, []string{cidutil.String(a.CID())}, srv.Shards(a.Root()))
}

func TestUpload_FinalizeRetriesTransientFailures(t *testing.T) {
	srv := bridgetest.New(t)
	srv.UploadAddStatus = http.StatusServiceUnavailable
	srv.UploadAddFailures = 2
	u := newUploader(t, srv, fastRetry)

	_, err := u.Upload(context.Background(), mustArchive(t, "retry me"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		bridgetest.EventStoreAdd,
		bridgetest.EventPut,
		bridgetest.EventUploadAdd,
		bridgetest.EventUploadAdd,
		bridgetest.EventUploadAdd,
	}, srv.Kinds())
}

func TestUpload_FinalizeDoesNotRetryPermanentRejection(t *testing.T) {
	srv := bridgetest.New(t)
	srv.UploadAddStatus = http.StatusBadRequest
	srv.UploadAddFailures = 10
	u := newUploader(t, srv, fastRetry)

	_, err := u.Upload(context.Background(), mustArchive(t, "bad"))
	assert.True(t, upload.IsKind(err, upload.KindFinalization))
	assert.Equal(t, []string{bridgetest.EventStoreAdd, bridgetest.EventPut, bridgetest.EventUploadAdd}, srv.Kinds())
}

func TestUpload_MissingCredentialsIsConfigurationError(t *testing.T) {
	srv := bridgetest.New(t)
	creds := bridgetest.Credentials()
	creds.Authorization = ""
	u, err := upload.New(upload.Options{
		Bridge: bridge.New(bridge.Options{Endpoint: srv.Endpoint(), Credentials: creds}),
	})
	require.NoError(t, err)

	_, err = u.Upload(context.Background(), mustArchive(t, "cert"))
	assert.True(t, upload.IsKind(err, upload.KindConfiguration))
	assert.ErrorIs(t, err, bridge.ErrMissingCredentials)

	err = u.Finalize(context.Background(), mustArchive(t, "cert").Root(), nil)
	assert.True(t, upload.IsKind(err, upload.KindConfiguration))
	assert.Empty(t, srv.Events())
}

func TestUpload_CanceledBeforeStart(t *testing.T) {
	srv := bridgetest.New(t)
	u := newUploader(t, srv, fastRetry)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := u.Upload(ctx, mustArchive(t, "cert"))
	assert.True(t, upload.IsKind(err, upload.KindCanceled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, srv.Events())
}

// cancelingTransfer cancels the upload's context while the PUT is in flight,
// then completes the PUT normally.
type cancelingTransfer struct {
	inner  upload.Transferer
	cancel context.CancelFunc
}

func (c cancelingTransfer) Put(ctx context.Context, alloc bridge.Allocation, body io.Reader, size uint64) error {
	c.cancel()
	if ctx.Err() != nil {
		return fmt.Errorf("in-flight phase observed cancellation: %w", ctx.Err())
	}
	return c.inner.Put(ctx, alloc, body, size)
}

func TestUpload_CancelAfterTransferStillFinalizes(t *testing.T) {
	srv := bridgetest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	u, err := upload.New(upload.Options{
		Bridge:   srv.Client(),
		Transfer: cancelingTransfer{inner: upload.HTTPTransfer{Client: srv.Server.Client()}, cancel: cancel},
		Retry:    fastRetry,
	})
	require.NoError(t, err)

	a := mustArchive(t, "cert")
	res, err := u.Upload(ctx, a)
	require.NoError(t, err)
	assert.True(t, res.Root.Equals(a.Root()))
	assert.Equal(t, []string{bridgetest.EventStoreAdd, bridgetest.EventPut, bridgetest.EventUploadAdd}, srv.Kinds())
	assert.Equal(t, []string{cidutil.String(a.CID())}, srv.Shards(a.Root()))
}

func TestUpload_CancelAfterTransferStopsFinalizeRetries(t *testing.T) {
	srv := bridgetest.New(t)
	srv.UploadAddStatus = http.StatusServiceUnavailable
	srv.UploadAddFailures = 10
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	u, err := upload.New(upload.Options{
		Bridge:   srv.Client(),
		Transfer: cancelingTransfer{inner: upload.HTTPTransfer{Client: srv.Server.Client()}, cancel: cancel},
		Retry:    upload.RetryPolicy{Attempts: 5, InitialInterval: time.Millisecond},
	})
	require.NoError(t, err)

	_, err = u.Upload(ctx, mustArchive(t, "cert"))
	var ue *upload.Error
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, upload.KindFinalization, ue.Kind)
	assert.Equal(t, upload.PhaseFinalize, ue.Phase)
	assert.Contains(t, ue.Message, "1 attempt(s)")
	assert.Contains(t, ue.Message, "canceled")
	assert.Equal(t, []string{bridgetest.EventStoreAdd, bridgetest.EventPut, bridgetest.EventUploadAdd}, srv.Kinds())
}

func TestUploadDirectory_EncodingError(t *testing.T) {
	srv := bridgetest.New(t)
	u := newUploader(t, srv, fastRetry)

	_, err := u.UploadDirectory(context.Background(), []unixfs.File{{Name: "a"}, {Name: "a"}})
	assert.True(t, upload.IsKind(err, upload.KindEncoding))
	assert.ErrorIs(t, err, unixfs.ErrDuplicateName)
	assert.Empty(t, srv.Events())
}

func TestUploadDirectory(t *testing.T) {
	srv := bridgetest.New(t)
	u := newUploader(t, srv, fastRetry)

	res, err := u.UploadDirectory(context.Background(), []unixfs.File{
		{Name: "certificate.pdf", Data: []byte("%PDF")},
		{Name: "metadata.json", Data: []byte("{}")},
	})
	require.NoError(t, err)
	assert.Equal(t, cidutil.CodecDagPB, res.Root.Prefix().Codec)

	blob, ok := srv.Blob(res.Shard)
	require.True(t, ok)
	rep, err := pack.Verify(bytes.NewReader(blob))
	require.NoError(t, err)
	assert.True(t, rep.Roots[0].Equals(res.Root))
}

func TestUploadMany_IndependentSessions(t *testing.T) {
	srv := bridgetest.New(t)
	u := newUploader(t, srv, fastRetry)

	var archives []*pack.Archive
	for i := 0; i < 6; i++ {
		archives = append(archives, mustArchive(t, fmt.Sprintf("certificate #%d", i)))
	}
	outcomes := u.UploadMany(context.Background(), archives, 3)
	require.Len(t, outcomes, len(archives))

	seen := map[string]bool{}
	for i, o := range outcomes {
		require.NoError(t, o.Err)
		assert.True(t, o.Result.Root.Equals(archives[i].Root()))
		assert.False(t, seen[o.Result.SessionID], "session ids must be unique")
		seen[o.Result.SessionID] = true
	}

	// Per archive, the trace is store/add, then put, then upload/add.
	for _, a := range archives {
		shard := cidutil.String(a.CID())
		root := cidutil.String(a.Root())
		order := []string{}
		for _, e := range srv.Events() {
			if (e.Kind == bridgetest.EventUploadAdd && e.Link == root) || e.Link == shard {
				order = append(order, e.Kind)
			}
		}
		assert.Equal(t, []string{bridgetest.EventStoreAdd, bridgetest.EventPut, bridgetest.EventUploadAdd}, order)
	}
}

func TestNew_RequiresBridge(t *testing.T) {
	_, err := upload.New(upload.Options{})
	assert.Error(t, err)
}
