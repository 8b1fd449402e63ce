package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/acl"
	"github.com/docmesh/ds/doc"
	"github.com/docmesh/ds/dsync"
	"github.com/docmesh/ds/record"
)

// Client talks to a node's HTTP API as one identity.
// It is safe for concurrent use.
type Client struct {
	base string
	id   *ds.Identity
	hc   *http.Client

	syncMu sync.Mutex // one live sync connection per client

	mu    sync.Mutex
	token string
}

// NewClient produces a Client for the node at base
// (e.g. "http://host:7337"), acting as id.
func NewClient(base string, id *ds.Identity) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		id:   id,
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// DID reports the client's identity.
func (c *Client) DID() ds.DID { return c.id.DID() }

// Authenticate performs the challenge-response login
// and holds the resulting session token for later calls.
func (c *Client) Authenticate(ctx context.Context) error {
	var ch struct {
		Nonce string `json:"nonce"`
	}
	err := c.call(ctx, http.MethodPost, "/auth/challenge", map[string]string{"did": string(c.id.DID())}, &ch)
	if err != nil {
		return err
	}

	sig := c.id.Sign([]byte(ch.Nonce))
	var tok struct {
		Token string `json:"token"`
	}
	err = c.call(ctx, http.MethodPost, "/auth/verify", map[string]string{
		"did":       string(c.id.DID()),
		"nonce":     ch.Nonce,
		"signature": base64.StdEncoding.EncodeToString(sig),
	}, &tok)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = tok.Token
	c.mu.Unlock()
	return nil
}

func (c *Client) sessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// call issues one JSON request and decodes the JSON response.
func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.sessionToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeErr(resp)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decoding response")
}

// decodeErr rebuilds the server's external error.
func decodeErr(resp *http.Response) error {
	var body struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Kind == "" {
		return ds.Errorf(ds.KindInternal, "server responded %s", resp.Status)
	}
	return ds.NewError(ds.Kind(body.Kind), body.Message)
}

// CreateRecord makes a new record on the node:
// the client builds and signs the genesis and the initial envelope,
// since the node cannot sign on its behalf.
func (c *Client) CreateRecord(ctx context.Context, schemaRef ds.Ref) (ds.Ref, error) {
	g, err := ds.NewGenesis(c.id.DID(), schemaRef)
	if err != nil {
		return ds.Zero, errors.Wrap(err, "creating genesis")
	}
	env, err := record.NewDraft(g.ID(), c.id.DID(), nil).
		Set([]string{acl.Key}, acl.Owner(c.id.DID()).Value()).
		Envelope(c.id)
	if err != nil {
		return ds.Zero, err
	}

	var resp struct {
		ID string `json:"id"`
	}
	err = c.call(ctx, http.MethodPost, "/records", recordBody{
		Genesis:  g.Encode(),
		Envelope: env.Encode(),
	}, &resp)
	if err != nil {
		return ds.Zero, err
	}
	return ds.RefFromHex(resp.ID)
}

// Snapshot is a record state as fetched from a node.
type Snapshot struct {
	ID      ds.Ref
	Creator ds.DID
	Schema  ds.Ref
	Version ds.VersionVector
	Value   doc.Value
}

// GetRecord fetches a record snapshot.
func (c *Client) GetRecord(ctx context.Context, id ds.Ref) (*Snapshot, error) {
	var body snapshotBody
	if err := c.call(ctx, http.MethodGet, "/records/"+id.String(), nil, &body); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ID:      id,
		Creator: ds.DID(body.Creator),
		Version: make(ds.VersionVector, len(body.Version)),
	}
	if body.Schema != "" {
		ref, err := ds.RefFromHex(body.Schema)
		if err != nil {
			return nil, errors.Wrap(err, "parsing schema ref")
		}
		snap.Schema = ref
	}
	for did, n := range body.Version {
		snap.Version[ds.DID(did)] = n
	}
	v, err := doc.DecodeValue(body.Value)
	if err != nil {
		return nil, errors.Wrap(err, "decoding record value")
	}
	snap.Value = v
	return snap, nil
}

// Edit fetches the record's version, stages edits via f,
// and submits the signed envelope.
func (c *Client) Edit(ctx context.Context, id ds.Ref, f func(*record.Draft)) error {
	snap, err := c.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	d := record.NewDraft(id, c.id.DID(), snap.Version)
	f(d)
	env, err := d.Envelope(c.id)
	if err != nil {
		return err
	}
	return c.call(ctx, http.MethodPost, "/records/"+id.String()+"/envelopes", map[string][]byte{
		"envelope": env.Encode(),
	}, nil)
}

// QueryRecords lists records visible to the client.
func (c *Client) QueryRecords(ctx context.Context, creator ds.DID, schemaRef ds.Ref) ([]ds.Ref, error) {
	q := url.Values{}
	if creator != "" {
		q.Set("creator", string(creator))
	}
	if !schemaRef.IsZero() {
		q.Set("schema", schemaRef.String())
	}
	path := "/records"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var body struct {
		IDs []string `json:"ids"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	out := make([]ds.Ref, len(body.IDs))
	for i, h := range body.IDs {
		ref, err := ds.RefFromHex(h)
		if err != nil {
			return nil, errors.Wrap(err, "parsing record id")
		}
		out[i] = ref
	}
	return out, nil
}

// PutBlob uploads and pins a blob, zstd-compressed on the wire.
func (c *Client) PutBlob(ctx context.Context, data ds.Blob, ttl time.Duration) (ds.Ref, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return ds.Zero, errors.Wrap(err, "opening zstd writer")
	}
	if _, err = enc.Write(data); err == nil {
		err = enc.Close()
	}
	if err != nil {
		return ds.Zero, errors.Wrap(err, "compressing blob")
	}

	path := fmt.Sprintf("%s/blobs?ttl=%d", c.base, int64(ttl/time.Second))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return ds.Zero, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "zstd")
	req.Header.Set("Authorization", "Bearer "+c.sessionToken())

	resp, err := c.hc.Do(req)
	if err != nil {
		return ds.Zero, errors.Wrap(err, "sending blob")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ds.Zero, decodeErr(resp)
	}

	var body struct {
		Ref string `json:"ref"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ds.Zero, errors.Wrap(err, "decoding response")
	}
	return ds.RefFromHex(body.Ref)
}

// GetBlob fetches blob bytes, verifying them against the hash.
func (c *Client) GetBlob(ctx context.Context, hash ds.Ref) (ds.Blob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/blobs/"+hash.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Accept-Encoding", "zstd")
	req.Header.Set("Authorization", "Bearer "+c.sessionToken())

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching blob")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, decodeErr(resp)
	}

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "zstd" {
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "opening zstd reader")
		}
		defer dec.Close()
		body = dec.IOReadCloser()
	}
	data, err := io.ReadAll(io.LimitReader(body, dsync.MaxBlobFetch+1))
	if err != nil {
		return nil, errors.Wrap(err, "reading blob")
	}
	if got := ds.Blob(data).Ref(); got != hash {
		return nil, ds.Errorf(ds.KindInvalidSignature, "blob hashes to %s, want %s", got, hash)
	}
	return data, nil
}

// PinRecord pins a record for the client.
func (c *Client) PinRecord(ctx context.Context, id ds.Ref, ttl time.Duration) error {
	path := fmt.Sprintf("/pins/records/%s?ttl=%d", id, int64(ttl/time.Second))
	return c.call(ctx, http.MethodPost, path, nil, nil)
}

// UnpinRecord drops the client's pin on a record.
func (c *Client) UnpinRecord(ctx context.Context, id ds.Ref) error {
	return c.call(ctx, http.MethodDelete, "/pins/records/"+id.String(), nil, nil)
}

// RenewBlob extends the client's pin on a blob.
func (c *Client) RenewBlob(ctx context.Context, hash ds.Ref, ttl time.Duration) error {
	path := fmt.Sprintf("/pins/blobs/%s?ttl=%d", hash, int64(ttl/time.Second))
	return c.call(ctx, http.MethodPost, path, nil, nil)
}

// UnpinBlob drops the client's pin on a blob.
func (c *Client) UnpinBlob(ctx context.Context, hash ds.Ref) error {
	return c.call(ctx, http.MethodDelete, "/pins/blobs/"+hash.String(), nil, nil)
}

// Quota reports the client's usage and limit on the node.
func (c *Client) Quota(ctx context.Context) (used, quota int64, err error) {
	var body struct {
		Used  int64 `json:"used"`
		Quota int64 `json:"quota"`
	}
	if err = c.call(ctx, http.MethodGet, "/quota", nil, &body); err != nil {
		return 0, 0, err
	}
	return body.Used, body.Quota, nil
}

// Sync reconciles records between the local manager and the node,
// one dsync session per record over a single websocket.
func (c *Client) Sync(ctx context.Context, m *record.Manager, records []ds.Ref) error {
	// Concurrent callers share pooled clients; serialize so a peer
	// sees one live sync connection from this client at a time.
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	wsURL, err := c.wsURL("/sync")
	if err != nil {
		return err
	}
	hdr := http.Header{"Authorization": []string{"Bearer " + c.sessionToken()}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, hdr)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ds.NewError(ds.KindUnauthenticated, "sync dial rejected")
		}
		return ds.WrapError(ds.KindSyncFailed, err, "dialing sync endpoint")
	}
	defer conn.Close()

	stream := &wsStream{conn: conn}
	for _, rec := range records {
		if err = dsync.Pull(ctx, stream, m, rec, c.GetBlob); err != nil {
			return errors.Wrapf(err, "syncing record %s", rec)
		}
	}
	return conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *Client) wsURL(path string) (string, error) {
	u, err := url.Parse(c.base + path)
	if err != nil {
		return "", errors.Wrap(err, "parsing base url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}
