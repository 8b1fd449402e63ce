// Package rpc exposes the store over HTTP:
// a challenge-response login, JSON record and pin endpoints,
// a zstd-compressed blob transfer path,
// and a websocket upgrade that speaks the dsync protocol.
//
// Every error leaving this package is stripped to its coarse kind
// first; internal diagnostics stay in the server log.
package rpc

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/index"
	"github.com/docmesh/ds/pin"
	"github.com/docmesh/ds/record"
)

// MaxBlobUpload bounds a decompressed blob upload.
const MaxBlobUpload = 4 << 20

// DefaultPinTTL applies when a pin request names no TTL.
const DefaultPinTTL = 24 * time.Hour

// Server is the HTTP face of one node.
type Server struct {
	records    *record.Manager
	pins       *pin.Manager
	secret     []byte
	logger     zerolog.Logger
	challenges *lru.Cache
}

// NewServer produces a Server.
// The secret signs session tokens and must be shared by nothing else.
func NewServer(records *record.Manager, pins *pin.Manager, secret []byte, logger zerolog.Logger) (*Server, error) {
	challenges, err := lru.New(1024)
	if err != nil {
		return nil, err
	}
	return &Server{
		records:    records,
		pins:       pins,
		secret:     secret,
		logger:     logger.With().Str("component", "rpc").Logger(),
		challenges: challenges,
	}, nil
}

// Handler returns the server's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/challenge", s.handleChallenge)
	mux.HandleFunc("POST /auth/verify", s.handleVerify)

	mux.HandleFunc("POST /records", s.authed(s.handleCreateRecord))
	mux.HandleFunc("GET /records", s.authed(s.handleQueryRecords))
	mux.HandleFunc("GET /records/{id}", s.authed(s.handleGetRecord))
	mux.HandleFunc("POST /records/{id}/envelopes", s.authed(s.handleAppendEnvelope))

	mux.HandleFunc("POST /blobs", s.authed(s.handlePutBlob))
	mux.HandleFunc("GET /blobs/{hash}", s.authed(s.handleGetBlob))

	mux.HandleFunc("POST /pins/records/{id}", s.authed(s.handlePinRecord))
	mux.HandleFunc("DELETE /pins/records/{id}", s.authed(s.handleUnpinRecord))
	mux.HandleFunc("POST /pins/blobs/{hash}", s.authed(s.handleRenewBlob))
	mux.HandleFunc("DELETE /pins/blobs/{hash}", s.authed(s.handleUnpinBlob))

	mux.HandleFunc("GET /quota", s.authed(s.handleQuota))
	mux.HandleFunc("GET /sync", s.authed(s.handleSync))

	return mux
}

type authedHandler func(w http.ResponseWriter, r *http.Request, caller ds.DID)

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.authenticate(r)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		h(w, r, caller)
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Error().Err(err).Msg("encoding response")
		}
	}
}

var statusOf = map[ds.Kind]int{
	ds.KindUnauthenticated:  http.StatusUnauthorized,
	ds.KindAccessDenied:     http.StatusForbidden,
	ds.KindRecordNotFound:   http.StatusNotFound,
	ds.KindBlobNotFound:     http.StatusNotFound,
	ds.KindQuotaExceeded:    http.StatusInsufficientStorage,
	ds.KindNotPinned:        http.StatusNotFound,
	ds.KindInvalidSignature: http.StatusBadRequest,
	ds.KindSyncFailed:       http.StatusConflict,
	ds.KindInternal:         http.StatusInternalServerError,
}

// respondErr sends the external form of err and logs the internal one.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	ext := ds.External(err)
	if ext.Kind == ds.KindInternal {
		s.logger.Error().Err(err).Msg("request failed")
	} else {
		s.logger.Debug().Err(err).Str("kind", string(ext.Kind)).Msg("request rejected")
	}
	s.respond(w, statusOf[ext.Kind], map[string]string{
		"kind":    string(ext.Kind),
		"message": ext.Message,
	})
}

func pathRef(r *http.Request, name string) (ds.Ref, error) {
	kind := ds.KindRecordNotFound
	if name == "hash" {
		kind = ds.KindBlobNotFound
	}
	ref, err := ds.RefFromHex(r.PathValue(name))
	if err != nil {
		return ds.Zero, ds.WrapError(kind, err, "parsing ref")
	}
	return ref, nil
}

type recordBody struct {
	Genesis  []byte `json:"genesis"`
	Envelope []byte `json:"envelope"`
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request, caller ds.DID) {
	var body recordBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondErr(w, ds.WrapError(ds.KindInvalidSignature, err, "decoding create request"))
		return
	}
	g, err := ds.DecodeGenesis(body.Genesis)
	if err != nil {
		s.respondErr(w, ds.WrapError(ds.KindInvalidSignature, err, "decoding genesis"))
		return
	}
	if g.Creator != caller {
		s.respondErr(w, ds.NewError(ds.KindAccessDenied, "genesis creator is not the caller"))
		return
	}
	env, err := ds.DecodeEnvelope(body.Envelope)
	if err != nil {
		s.respondErr(w, ds.WrapError(ds.KindInvalidSignature, err, "decoding envelope"))
		return
	}
	if err = s.records.CreateRaw(r.Context(), g, env); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]string{"id": g.ID().String()})
}

type snapshotBody struct {
	ID      string            `json:"id"`
	Creator string            `json:"creator"`
	Schema  string            `json:"schema,omitempty"`
	Version map[string]uint64 `json:"version"`
	Value   []byte            `json:"value"`
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request, caller ds.DID) {
	id, err := pathRef(r, "id")
	if err != nil {
		s.respondErr(w, err)
		return
	}
	snap, err := s.records.GetFor(r.Context(), id, caller)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	body := snapshotBody{
		ID:      snap.ID.String(),
		Creator: string(snap.Creator),
		Version: make(map[string]uint64, len(snap.Version)),
		Value:   snap.Value.Encode(),
	}
	if !snap.Schema.IsZero() {
		body.Schema = snap.Schema.String()
	}
	for did, n := range snap.Version {
		body.Version[string(did)] = n
	}
	s.respond(w, http.StatusOK, body)
}

func (s *Server) handleAppendEnvelope(w http.ResponseWriter, r *http.Request, caller ds.DID) {
	id, err := pathRef(r, "id")
	if err != nil {
		s.respondErr(w, err)
		return
	}
	var body struct {
		Envelope []byte `json:"envelope"`
	}
	if err = json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondErr(w, ds.WrapError(ds.KindInvalidSignature, err, "decoding envelope request"))
		return
	}
	env, err := ds.DecodeEnvelope(body.Envelope)
	if err != nil {
		s.respondErr(w, ds.WrapError(ds.KindInvalidSignature, err, "decoding envelope"))
		return
	}
	if env.Record != id || env.Author != caller {
		s.respondErr(w, ds.NewError(ds.KindAccessDenied, "envelope does not match caller and record"))
		return
	}
	if err = s.records.ApplyEnvelope(r.Context(), env); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"id": env.ID().String()})
}

func (s *Server) handleQueryRecords(w http.ResponseWriter, r *http.Request, caller ds.DID) {
	var filter index.RecordFilter
	if c := r.URL.Query().Get("creator"); c != "" {
		filter.Creator = ds.DID(c)
	}
	if h := r.URL.Query().Get("schema"); h != "" {
		ref, err := ds.RefFromHex(h)
		if err != nil {
			s.respondErr(w, ds.WrapError(ds.KindRecordNotFound, err, "parsing schema ref"))
			return
		}
		filter.SchemaRef = ref
	}

	ids, err := s.records.Query(r.Context(), filter, caller)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	s.respond(w, http.StatusOK, map[string][]string{"ids": out})
}

func ttlParam(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("ttl")
	if raw == "" {
		return DefaultPinTTL, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return 0, ds.Errorf(ds.KindNotPinned, "bad ttl %q", raw)
	}
	return time.Duration(secs) * time.Second, nil
}

// handlePutBlob stores and pins an uploaded blob for the caller.
// A Content-Encoding of zstd is decompressed before hashing.
func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request, caller ds.DID) {
	ttl, err := ttlParam(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "zstd" {
		dec, err := zstd.NewReader(r.Body)
		if err != nil {
			s.respondErr(w, ds.WrapError(ds.KindInternal, err, "opening zstd reader"))
			return
		}
		defer dec.Close()
		body = dec.IOReadCloser()
	}

	data, err := io.ReadAll(io.LimitReader(body, MaxBlobUpload+1))
	if err != nil {
		s.respondErr(w, ds.WrapError(ds.KindInternal, err, "reading blob upload"))
		return
	}
	if len(data) > MaxBlobUpload {
		s.respondErr(w, ds.Errorf(ds.KindQuotaExceeded, "blob exceeds %d bytes", MaxBlobUpload))
		return
	}

	ref, err := s.pins.PinBlob(r.Context(), caller, data, ttl)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]string{"ref": ref.String()})
}

// handleGetBlob serves blob bytes,
// zstd-compressed when the client accepts it.
func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request, _ ds.DID) {
	hash, err := pathRef(r, "hash")
	if err != nil {
		s.respondErr(w, err)
		return
	}
	data, err := s.records.Blobs().Get(r.Context(), hash)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if acceptsZstd(r) {
		w.Header().Set("Content-Encoding", "zstd")
		enc, err := zstd.NewWriter(w)
		if err != nil {
			s.respondErr(w, ds.WrapError(ds.KindInternal, err, "opening zstd writer"))
			return
		}
		if _, err = enc.Write(data); err == nil {
			err = enc.Close()
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("writing compressed blob")
		}
		return
	}
	if _, err = w.Write(data); err != nil {
		s.logger.Error().Err(err).Msg("writing blob")
	}
}

func acceptsZstd(r *http.Request) bool {
	for _, enc := range r.Header.Values("Accept-Encoding") {
		if enc == "zstd" {
			return true
		}
	}
	return false
}

func (s *Server) handlePinRecord(w http.ResponseWriter, r *http.Request, caller ds.DID) {
	id, err := pathRef(r, "id")
	if err != nil {
		s.respondErr(w, err)
		return
	}
	ttl, err := ttlParam(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	// Pinning requires seeing the record; mask denials as not-found.
	if _, err = s.records.GetFor(r.Context(), id, caller); err != nil {
		s.respondErr(w, err)
		return
	}
	if err = s.pins.PinRecord(r.Context(), caller, id, ttl); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, nil)
}

func (s *Server) handleUnpinRecord(w http.ResponseWriter, r *http.Request, caller ds.DID) {
	id, err := pathRef(r, "id")
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err = s.pins.UnpinRecord(r.Context(), caller, id); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, nil)
}

func (s *Server) handleRenewBlob(w http.ResponseWriter, r *http.Request, caller ds.DID) {
	hash, err := pathRef(r, "hash")
	if err != nil {
		s.respondErr(w, err)
		return
	}
	ttl, err := ttlParam(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err = s.pins.RenewBlob(r.Context(), caller, hash, ttl); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, nil)
}

func (s *Server) handleUnpinBlob(w http.ResponseWriter, r *http.Request, caller ds.DID) {
	hash, err := pathRef(r, "hash")
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err = s.pins.UnpinBlob(r.Context(), caller, hash); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, nil)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request, caller ds.DID) {
	uq, err := s.records.Index().Quota(r.Context(), caller)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]int64{
		"used":  uq.Used,
		"quota": uq.Quota,
	})
}
