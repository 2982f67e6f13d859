// Package httpapi exposes packing and uploading over HTTP.
//
// Routes:
//
//	POST /upload        {fileName, contentBase64}          pack one file and upload it
//	POST /upload/files  {files: [{fileName, contentBase64}]} pack a directory and upload it
//	POST /cid           {fileName, contentBase64}          identifiers only, no network
//	GET  /healthz
//
// Every failure is answered with ErrorBody.
package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"xdao.co/w3car/cidutil"
	"xdao.co/w3car/pack"
	"xdao.co/w3car/unixfs"
	"xdao.co/w3car/upload"
)

// DefaultMaxRequestBytes bounds request bodies when Options.MaxRequestBytes is zero.
const DefaultMaxRequestBytes = 100 << 20

// Uploader is the subset of *upload.Uploader the handlers need.
type Uploader interface {
	Upload(ctx context.Context, a *pack.Archive) (upload.Result, error)
}

var _ Uploader = (*upload.Uploader)(nil)

type Options struct {
	Uploader        Uploader
	Packer          pack.Packer
	MaxRequestBytes int64
	Logger          *slog.Logger
}

// Handler serves the HTTP routes. It is safe for concurrent use.
type Handler struct {
	uploader Uploader
	packer   pack.Packer
	maxBytes int64
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New builds a Handler. Uploader may be nil, in which case only /cid and
// /healthz succeed and upload routes answer NOT_CONFIGURED.
func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	maxBytes := opts.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestBytes
	}
	h := &Handler{
		uploader: opts.Uploader,
		packer:   opts.Packer,
		maxBytes: maxBytes,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	h.mux.HandleFunc("POST /upload", h.HandleUpload)
	h.mux.HandleFunc("POST /upload/files", h.HandleUploadFiles)
	h.mux.HandleFunc("POST /cid", h.HandleCID)
	h.mux.HandleFunc("GET /healthz", h.HandleHealth)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// FileRequest is one named payload.
type FileRequest struct {
	FileName      string `json:"fileName"`
	ContentBase64 string `json:"contentBase64"`
}

// FilesRequest is the body of POST /upload/files.
type FilesRequest struct {
	Files []FileRequest `json:"files"`
}

// Response is the success body. GatewayURL and SessionID are empty for /cid.
type Response struct {
	OK         bool   `json:"ok"`
	FileName   string `json:"fileName,omitempty"`
	RootCID    string `json:"rootCid"`
	CARCID     string `json:"carCid"`
	Size       uint64 `json:"size"`
	Blocks     int    `json:"blocks"`
	GatewayURL string `json:"gatewayUrl,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "uploads": h.uploader != nil})
}

func (h *Handler) HandleCID(w http.ResponseWriter, r *http.Request) {
	var req FileRequest
	if !h.decode(w, r, &req) {
		return
	}
	data, err := decodeContent(req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	a, err := h.packer.File(data)
	if err != nil {
		h.fail(w, r, &CodedError{Code: ErrEncodingFailed, Status: http.StatusInternalServerError, Message: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, describe(req.FileName, a))
}

func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	var req FileRequest
	if !h.decode(w, r, &req) {
		return
	}
	data, err := decodeContent(req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	a, err := h.packer.File(data)
	if err != nil {
		h.fail(w, r, &CodedError{Code: ErrEncodingFailed, Status: http.StatusInternalServerError, Message: err.Error()})
		return
	}
	h.upload(w, r, req.FileName, a)
}

func (h *Handler) HandleUploadFiles(w http.ResponseWriter, r *http.Request) {
	var req FilesRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Files) == 0 {
		h.fail(w, r, badRequest("files is required"))
		return
	}
	files := make([]unixfs.File, 0, len(req.Files))
	for i, f := range req.Files {
		if f.FileName == "" {
			h.fail(w, r, badRequest("files[%d]: fileName is required", i))
			return
		}
		data, err := decodeContent(f)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		files = append(files, unixfs.File{Name: f.FileName, Data: data})
	}
	a, err := h.packer.Directory(files)
	if err != nil {
		if errors.Is(err, unixfs.ErrInvalidName) || errors.Is(err, unixfs.ErrDuplicateName) {
			h.fail(w, r, badRequest("%v", err))
			return
		}
		h.fail(w, r, &CodedError{Code: ErrEncodingFailed, Status: http.StatusInternalServerError, Message: err.Error()})
		return
	}
	h.upload(w, r, "", a)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request, name string, a *pack.Archive) {
	if h.uploader == nil {
		h.fail(w, r, &CodedError{Code: ErrNotConfigured, Status: http.StatusServiceUnavailable, Message: "uploads are not configured"})
		return
	}
	start := time.Now()
	res, err := h.uploader.Upload(r.Context(), a)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := describe(name, a)
	out.GatewayURL = res.GatewayURL
	out.SessionID = res.SessionID
	h.logger.Info("upload served",
		"root", out.RootCID,
		"shard", out.CARCID,
		"size", out.Size,
		"elapsed", time.Since(start),
	)
	h.writeJSON(w, http.StatusOK, out)
}

func describe(name string, a *pack.Archive) Response {
	return Response{
		OK:       true,
		FileName: name,
		RootCID:  cidutil.String(a.Root()),
		CARCID:   cidutil.String(a.CID()),
		Size:     a.Size(),
		Blocks:   a.Blocks(),
	}
}

func decodeContent(f FileRequest) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(f.ContentBase64)
	if err != nil {
		return nil, badRequest("contentBase64: %v", err)
	}
	return b, nil
}

// decode reads a bounded JSON body into v, answering 400/413 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, &CodedError{
				Code:    ErrTooLarge,
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			})
			return false
		}
		h.fail(w, r, badRequest("read request: %v", err))
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		h.fail(w, r, badRequest("invalid request: %v", err))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorBody(err)
	h.logger.Warn("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"code", body.Code,
		"err", err,
	)
	h.writeJSON(w, status, body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("write response", "err", err)
	}
}
