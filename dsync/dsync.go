package dsync

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/doc"
	"github.com/docmesh/ds/record"
)

// MaxBlobFetch bounds a blob fetched during sync.
const MaxBlobFetch = 4 << 20

// FetchFunc retrieves one blob by hash from the remote peer.
// The dsync session does not move blob bytes itself;
// they travel over the peer's ordinary blob API.
type FetchFunc func(context.Context, ds.Ref) (ds.Blob, error)

// Serve runs the server role of one sync session with peer.
// The peer's identity is already authenticated by the transport;
// records it may not read are reported not-found,
// indistinguishable from records that do not exist.
func Serve(ctx context.Context, rw io.ReadWriter, m *record.Manager, peer ds.DID, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "dsync").Str("peer", string(peer)).Logger()

	tag, payload, err := readFrame(rw)
	if err != nil {
		return err
	}
	if tag != tagBegin {
		return ds.Errorf(ds.KindSyncFailed, "session opened with tag %d", tag)
	}
	begin, err := decodeBegin(payload)
	if err != nil {
		return ds.WrapError(ds.KindSyncFailed, err, "decoding begin")
	}

	ok, err := m.Readable(ctx, begin.Record, peer)
	if err != nil {
		return err
	}
	if !ok {
		return writeFrame(rw, tagNotFound, nil)
	}

	snap, err := m.Get(ctx, begin.Record)
	if err != nil {
		return err
	}

	if err = writeFrame(rw, tagBlobs, blobsMsg{
		Hashes:  blobDeps(begin.Record, snap.Value),
		Version: snap.Version,
	}.encode()); err != nil {
		return err
	}

	// The client fetches the announced blobs out of band and signals
	// Ready; envelopes flow only once every hash they mention resolves
	// on the client.
	tag, _, err = readFrame(rw)
	if err != nil {
		return err
	}
	if tag != tagReady {
		return ds.Errorf(ds.KindSyncFailed, "want ready, got tag %d", tag)
	}

	sent := 0
	err = m.Index().Envelopes(ctx, begin.Record, func(env *ds.Envelope) error {
		if begin.Version.Dominates(env.To) {
			return nil
		}
		sent++
		return writeFrame(rw, tagEnvelope, env.Encode())
	})
	if err != nil {
		return err
	}
	if err = writeFrame(rw, tagDone, nil); err != nil {
		return err
	}

	envs, err := readEnvelopes(rw)
	if err != nil {
		return err
	}
	if err = applyAll(ctx, m, envs); err != nil {
		return err
	}

	logger.Debug().
		Stringer("record", begin.Record).
		Int("sent", sent).
		Int("received", len(envs)).
		Msg("session complete")
	return nil
}

// Pull runs the client role of one sync session:
// bring the local copy of a record up to date with the peer's,
// and push back anything the peer lacks.
func Pull(ctx context.Context, rw io.ReadWriter, m *record.Manager, rec ds.Ref, fetch FetchFunc) error {
	local := ds.VersionVector{}
	haveRecord := true
	if snap, err := m.Get(ctx, rec); err == nil {
		local = snap.Version
	} else if ds.IsKind(err, ds.KindRecordNotFound) {
		haveRecord = false
	} else {
		return err
	}

	if err := writeFrame(rw, tagBegin, beginMsg{Record: rec, Version: local}.encode()); err != nil {
		return err
	}

	tag, payload, err := readFrame(rw)
	if err != nil {
		return err
	}
	if tag == tagNotFound {
		return ds.Errorf(ds.KindRecordNotFound, "peer has no record %s", rec)
	}
	if tag != tagBlobs {
		return ds.Errorf(ds.KindSyncFailed, "want blob announcement, got tag %d", tag)
	}
	blobs, err := decodeBlobs(payload)
	if err != nil {
		return ds.WrapError(ds.KindSyncFailed, err, "decoding blob announcement")
	}

	for _, h := range blobs.Hashes {
		if _, err = m.Blobs().Get(ctx, h); err == nil {
			continue
		} else if !ds.IsKind(err, ds.KindBlobNotFound) {
			return err
		}
		b, err := fetch(ctx, h)
		if err != nil {
			return ds.WrapError(ds.KindSyncFailed, err, "fetching blob")
		}
		if _, _, err = ds.PutVerified(ctx, m.Blobs(), b, h, MaxBlobFetch); err != nil {
			return err
		}
	}

	if err = writeFrame(rw, tagReady, nil); err != nil {
		return err
	}

	envs, err := readEnvelopes(rw)
	if err != nil {
		return err
	}

	if haveRecord {
		err = applyAll(ctx, m, envs)
	} else {
		var genesisBlob ds.Blob
		if genesisBlob, err = m.Blobs().Get(ctx, rec); err != nil {
			return ds.WrapError(ds.KindSyncFailed, err, "peer did not announce the genesis blob")
		}
		err = m.Ingest(ctx, genesisBlob, envs)
	}
	if err != nil {
		return err
	}

	err = m.Index().Envelopes(ctx, rec, func(env *ds.Envelope) error {
		if blobs.Version.Dominates(env.To) {
			return nil
		}
		return writeFrame(rw, tagEnvelope, env.Encode())
	})
	if err != nil {
		return err
	}
	return writeFrame(rw, tagDone, nil)
}

// readEnvelopes drains envelope frames up to the peer's Done.
func readEnvelopes(r io.Reader) ([]*ds.Envelope, error) {
	var envs []*ds.Envelope
	for {
		tag, payload, err := readFrame(r)
		if err != nil {
			return nil, err
		}
		switch tag {
		case tagDone:
			return envs, nil
		case tagEnvelope:
			env, err := ds.DecodeEnvelope(payload)
			if err != nil {
				return nil, ds.WrapError(ds.KindSyncFailed, err, "decoding envelope")
			}
			envs = append(envs, env)
		default:
			return nil, ds.Errorf(ds.KindSyncFailed, "want envelope or done, got tag %d", tag)
		}
	}
}

// applyAll admits a batch of envelopes,
// retrying ones whose dependencies arrive later in the batch.
func applyAll(ctx context.Context, m *record.Manager, envs []*ds.Envelope) error {
	pending := envs
	for len(pending) > 0 {
		var (
			next     []*ds.Envelope
			progress bool
		)
		for _, env := range pending {
			err := m.ApplyEnvelope(ctx, env)
			switch {
			case err == nil:
				progress = true
			case ds.IsKind(err, ds.KindSyncFailed):
				next = append(next, env)
			default:
				return err
			}
		}
		if !progress {
			return ds.Errorf(ds.KindSyncFailed, "%d peer envelopes never became applicable", len(next))
		}
		pending = next
	}
	return nil
}

// blobDeps lists the blobs a record's replica needs:
// its genesis plus every blob its document references.
func blobDeps(rec ds.Ref, v doc.Value) []ds.Ref {
	deps := []ds.Ref{rec}
	seen := map[ds.Ref]bool{rec: true}
	var walk func(doc.Value)
	walk = func(v doc.Value) {
		if ref, ok := v.AsRef(); ok && !seen[ref] {
			seen[ref] = true
			deps = append(deps, ref)
		}
		for _, e := range v.List {
			walk(e)
		}
		for _, e := range v.Map {
			walk(e)
		}
	}
	walk(v)
	return deps
}
