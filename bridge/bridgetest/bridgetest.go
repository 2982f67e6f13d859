// Package bridgetest provides an in-process bridge and blob destination for
// tests. It records every call in arrival order so tests can assert on the
// protocol trace.
package bridgetest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/ipfs/go-cid"

	"xdao.co/w3car/bridge"
	"xdao.co/w3car/cidutil"
)

// Event kinds.
const (
	EventStoreAdd  = "store/add"
	EventPut       = "put"
	EventUploadAdd = "upload/add"
)

// Event is one observed call.
type Event struct {
	Kind   string
	Status int
	// Link is the archive CID (store/add, put) or the root CID (upload/add).
	Link string
	Size uint64
	// Shards is set for upload/add.
	Shards []string
}

// Server is a fake bridge plus a fake signed-URL destination.
type Server struct {
	*httptest.Server

	mu     sync.Mutex
	events []Event
	blobs  map[string][]byte
	// allocations maps an issued one-time token to the archive it authorizes.
	allocations map[string]allocation
	uploads     map[string][]string
	nextToken   int

	// OmitURL makes store/add answer with an ok result that has no url.
	OmitURL bool
	// StoreAddStatus, when non-zero, is returned for store/add with an error body.
	StoreAddStatus int
	// PutStatus, when non-zero, is returned for every PUT without storing.
	PutStatus int
	// UploadAddStatus is returned for the first UploadAddFailures upload/add calls.
	UploadAddStatus   int
	UploadAddFailures int
}

type allocation struct {
	link string
	size uint64
}

// Credentials returns credentials the server accepts.
func Credentials() bridge.Credentials {
	return bridge.Credentials{
		Secret:        "test-secret",
		Authorization: "test-authorization",
		Space:         "did:key:z6MktestSpace",
	}
}

// New starts a Server and stops it when the test ends.
func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		blobs:       map[string][]byte{},
		allocations: map[string]allocation{},
		uploads:     map[string][]string{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", s.handleBridge)
	mux.HandleFunc("/blob/", s.handlePut)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Endpoint is the bridge URL.
func (s *Server) Endpoint() string { return s.URL + "/bridge" }

// Client returns a bridge client wired to s with valid credentials.
func (s *Server) Client() *bridge.Client {
	return bridge.New(bridge.Options{
		Endpoint:    s.Endpoint(),
		Credentials: Credentials(),
		HTTPClient:  s.Server.Client(),
	})
}

// Events returns a copy of the recorded trace.
func (s *Server) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Kinds returns the kinds of the recorded trace, in order.
func (s *Server) Kinds() []string {
	var out []string
	for _, e := range s.Events() {
		out = append(out, e.Kind)
	}
	return out
}

// Blob returns the bytes stored for an archive CID.
func (s *Server) Blob(link cid.Cid) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[cidutil.String(link)]
	return b, ok
}

// Shards returns the shards registered for root.
func (s *Server) Shards(root cid.Cid) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.uploads[cidutil.String(root)]...)
}

func (s *Server) record(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

type linkJSON struct {
	Target string `json:"/"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	creds := Credentials()
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if r.Header.Get(bridge.HeaderSecret) != creds.Secret || r.Header.Get(bridge.HeaderAuthorization) != creds.Authorization {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	var req struct {
		Tasks [][3]json.RawMessage `json:"tasks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Tasks) != 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed tasks"})
		return
	}
	var name, space string
	_ = json.Unmarshal(req.Tasks[0][0], &name)
	_ = json.Unmarshal(req.Tasks[0][1], &space)
	if space != creds.Space {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "unknown space " + space})
		return
	}

	switch name {
	case bridge.TaskStoreAdd:
		s.storeAdd(w, req.Tasks[0][2])
	case bridge.TaskUploadAdd:
		s.uploadAdd(w, req.Tasks[0][2])
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown task " + name})
	}
}

func (s *Server) storeAdd(w http.ResponseWriter, raw json.RawMessage) {
	var args struct {
		Link linkJSON `json:"link"`
		Size uint64   `json:"size"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if s.StoreAddStatus != 0 {
		s.record(Event{Kind: EventStoreAdd, Status: s.StoreAddStatus, Link: args.Link.Target, Size: args.Size})
		writeJSON(w, s.StoreAddStatus, []any{map[string]any{"p": map[string]any{"out": map[string]any{
			"error": map[string]any{"name": "InsufficientStorage", "message": "space quota exceeded"},
		}}}})
		return
	}

	ok := map[string]any{"status": "upload"}
	if !s.OmitURL {
		s.mu.Lock()
		s.nextToken++
		token := strconv.Itoa(s.nextToken)
		s.allocations[token] = allocation{link: args.Link.Target, size: args.Size}
		s.mu.Unlock()
		ok["url"] = fmt.Sprintf("%s/blob/%s?token=%s", s.URL, args.Link.Target, token)
		ok["headers"] = map[string]string{
			"content-length": strconv.FormatUint(args.Size, 10),
			"x-test-link":    args.Link.Target,
		}
	}
	s.record(Event{Kind: EventStoreAdd, Status: http.StatusOK, Link: args.Link.Target, Size: args.Size})
	writeJSON(w, http.StatusOK, []any{map[string]any{"p": map[string]any{"out": map[string]any{"ok": ok}}}})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	link := strings.TrimPrefix(r.URL.Path, "/blob/")
	ev := Event{Kind: EventPut, Link: link}
	reply := func(status int, msg string) {
		ev.Status = status
		s.record(ev)
		if msg == "" {
			w.WriteHeader(status)
			return
		}
		http.Error(w, msg, status)
	}

	if r.Method != http.MethodPut {
		reply(http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		reply(http.StatusBadRequest, err.Error())
		return
	}
	ev.Size = uint64(len(body))
	if s.PutStatus != 0 {
		reply(s.PutStatus, "destination unavailable")
		return
	}

	token := r.URL.Query().Get("token")
	s.mu.Lock()
	alloc, ok := s.allocations[token]
	delete(s.allocations, token)
	s.mu.Unlock()
	switch {
	case !ok || alloc.link != link:
		reply(http.StatusForbidden, "signature does not match")
		return
	case r.Header.Get("x-test-link") != link:
		reply(http.StatusBadRequest, "missing signed header")
		return
	case r.ContentLength != int64(alloc.size) || uint64(len(body)) != alloc.size:
		reply(http.StatusBadRequest, "size mismatch")
		return
	}
	got, err := cidutil.CARCID(body)
	if err != nil || cidutil.String(got) != link {
		reply(http.StatusBadRequest, "checksum mismatch")
		return
	}

	s.mu.Lock()
	s.blobs[link] = body
	s.mu.Unlock()
	reply(http.StatusOK, "")
}

func (s *Server) uploadAdd(w http.ResponseWriter, raw json.RawMessage) {
	var args struct {
		Root   linkJSON   `json:"root"`
		Shards []linkJSON `json:"shards"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ev := Event{Kind: EventUploadAdd, Link: args.Root.Target}
	for _, sh := range args.Shards {
		ev.Shards = append(ev.Shards, sh.Target)
	}

	s.mu.Lock()
	fail := s.UploadAddFailures > 0
	if fail {
		s.UploadAddFailures--
	}
	s.mu.Unlock()
	if fail {
		ev.Status = s.UploadAddStatus
		s.record(ev)
		writeJSON(w, s.UploadAddStatus, map[string]string{"error": "registration unavailable"})
		return
	}

	s.mu.Lock()
	existing := s.uploads[args.Root.Target]
	for _, sh := range ev.Shards {
		if !slices.Contains(existing, sh) {
			existing = append(existing, sh)
		}
	}
	s.uploads[args.Root.Target] = existing
	s.mu.Unlock()

	ev.Status = http.StatusOK
	s.record(ev)
	writeJSON(w, http.StatusOK, []any{map[string]any{"p": map[string]any{"out": map[string]any{
		"ok": map[string]any{"root": args.Root},
	}}}})
}
