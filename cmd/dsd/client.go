package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/doc"
	"github.com/docmesh/ds/record"
	"github.com/docmesh/ds/rpc"
)

// client builds an authenticated client for the configured server.
func (c maincmd) client(ctx context.Context, fs *flag.FlagSet) (*rpc.Client, error) {
	server := fs.Lookup("server").Value.String()
	if server == "" {
		server = c.conf.Server
	}
	if server == "" {
		return nil, errors.New("no server: set -server or the server config key")
	}
	id, err := c.identity()
	if err != nil {
		return nil, err
	}
	cl := rpc.NewClient(server, id)
	if err = cl.Authenticate(ctx); err != nil {
		return nil, errors.Wrap(err, "authenticating")
	}
	return cl, nil
}

func serverFlag(fs *flag.FlagSet) {
	fs.String("server", "", "server base URL (default from config)")
}

func (c maincmd) keygen(_ context.Context, fs *flag.FlagSet, args []string) error {
	out := fs.String("out", "", "file to write the key seed to")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if *out == "" {
		return errors.New("must supply -out")
	}

	id, err := ds.NewIdentity()
	if err != nil {
		return errors.Wrap(err, "generating key")
	}
	if err = os.WriteFile(*out, id.Seed(), 0600); err != nil {
		return errors.Wrap(err, "writing key seed")
	}
	fmt.Println(id.DID())
	return nil
}

func (c maincmd) create(ctx context.Context, fs *flag.FlagSet, args []string) error {
	serverFlag(fs)
	schemaHex := fs.String("schema", "", "optional schema ref (hex)")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	var schemaRef ds.Ref
	if *schemaHex != "" {
		var err error
		schemaRef, err = ds.RefFromHex(*schemaHex)
		if err != nil {
			return errors.Wrap(err, "decoding -schema")
		}
	}

	cl, err := c.client(ctx, fs)
	if err != nil {
		return err
	}
	id, err := cl.CreateRecord(ctx, schemaRef)
	if err != nil {
		return errors.Wrap(err, "creating record")
	}
	fmt.Println(id)
	return nil
}

func (c maincmd) get(ctx context.Context, fs *flag.FlagSet, args []string) error {
	serverFlag(fs)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() != 1 {
		return errors.New("usage: get RECORD-ID")
	}
	id, err := ds.RefFromHex(fs.Arg(0))
	if err != nil {
		return errors.Wrap(err, "decoding record id")
	}

	cl, err := c.client(ctx, fs)
	if err != nil {
		return err
	}
	snap, err := cl.GetRecord(ctx, id)
	if err != nil {
		return errors.Wrap(err, "getting record")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"id":      snap.ID.String(),
		"creator": string(snap.Creator),
		"version": snap.Version,
		"value":   jsonValue(snap.Value),
	})
}

// jsonValue renders a document value as plain JSON for display.
func jsonValue(v doc.Value) interface{} {
	switch v.Kind {
	case doc.KindBool:
		return v.Bool
	case doc.KindInt:
		return v.Int
	case doc.KindFloat:
		return v.Float
	case doc.KindString:
		return v.Str
	case doc.KindBytes:
		return hex.EncodeToString(v.Bytes)
	case doc.KindList:
		out := make([]interface{}, len(v.List))
		for i, e := range v.List {
			out[i] = jsonValue(e)
		}
		return out
	case doc.KindMap:
		out := make(map[string]interface{}, len(v.Map))
		for k, e := range v.Map {
			out[k] = jsonValue(e)
		}
		return out
	}
	return nil
}

func (c maincmd) edit(ctx context.Context, fs *flag.FlagSet, args []string) error {
	serverFlag(fs)
	var (
		path = fs.String("path", "", "slash-separated document path")
		val  = fs.String("value", "", "string value to set")
		del  = fs.Bool("delete", false, "delete the path instead of setting it")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() != 1 || *path == "" {
		return errors.New("usage: edit -path a/b [-value v | -delete] RECORD-ID")
	}
	id, err := ds.RefFromHex(fs.Arg(0))
	if err != nil {
		return errors.Wrap(err, "decoding record id")
	}

	cl, err := c.client(ctx, fs)
	if err != nil {
		return err
	}
	return cl.Edit(ctx, id, func(d *record.Draft) {
		p := splitPath(*path)
		if *del {
			d.Delete(p)
		} else {
			d.Set(p, doc.String(*val))
		}
	})
}

func splitPath(s string) []string {
	var out []string
	for _, p := range strings.Split(s, "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c maincmd) list(ctx context.Context, fs *flag.FlagSet, args []string) error {
	serverFlag(fs)
	var (
		creator   = fs.String("creator", "", "filter by creator DID")
		schemaHex = fs.String("schema", "", "filter by schema ref (hex)")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	var schemaRef ds.Ref
	if *schemaHex != "" {
		var err error
		schemaRef, err = ds.RefFromHex(*schemaHex)
		if err != nil {
			return errors.Wrap(err, "decoding -schema")
		}
	}

	cl, err := c.client(ctx, fs)
	if err != nil {
		return err
	}
	ids, err := cl.QueryRecords(ctx, ds.DID(*creator), schemaRef)
	if err != nil {
		return errors.Wrap(err, "querying records")
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func (c maincmd) putBlob(ctx context.Context, fs *flag.FlagSet, args []string) error {
	serverFlag(fs)
	ttl := fs.Duration("ttl", 24*time.Hour, "pin lifetime")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	var (
		data []byte
		err  error
	)
	if fs.NArg() == 1 {
		data, err = os.ReadFile(fs.Arg(0))
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return errors.Wrap(err, "reading blob")
	}

	cl, err := c.client(ctx, fs)
	if err != nil {
		return err
	}
	ref, err := cl.PutBlob(ctx, data, *ttl)
	if err != nil {
		return errors.Wrap(err, "storing blob")
	}
	fmt.Println(ref)
	return nil
}

func (c maincmd) getBlob(ctx context.Context, fs *flag.FlagSet, args []string) error {
	serverFlag(fs)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() != 1 {
		return errors.New("usage: get-blob HASH")
	}
	hash, err := ds.RefFromHex(fs.Arg(0))
	if err != nil {
		return errors.Wrap(err, "decoding hash")
	}

	cl, err := c.client(ctx, fs)
	if err != nil {
		return err
	}
	data, err := cl.GetBlob(ctx, hash)
	if err != nil {
		return errors.Wrap(err, "getting blob")
	}
	_, err = os.Stdout.Write(data)
	return err
}

func (c maincmd) pin(ctx context.Context, fs *flag.FlagSet, args []string) error {
	serverFlag(fs)
	var (
		ttl  = fs.Duration("ttl", 24*time.Hour, "pin lifetime")
		blob = fs.Bool("blob", false, "the ref names a blob, not a record")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() != 1 {
		return errors.New("usage: pin [-blob] REF")
	}
	ref, err := ds.RefFromHex(fs.Arg(0))
	if err != nil {
		return errors.Wrap(err, "decoding ref")
	}

	cl, err := c.client(ctx, fs)
	if err != nil {
		return err
	}
	if *blob {
		return errors.Wrap(cl.RenewBlob(ctx, ref, *ttl), "pinning blob")
	}
	return errors.Wrap(cl.PinRecord(ctx, ref, *ttl), "pinning record")
}

func (c maincmd) unpin(ctx context.Context, fs *flag.FlagSet, args []string) error {
	serverFlag(fs)
	blob := fs.Bool("blob", false, "the ref names a blob, not a record")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() != 1 {
		return errors.New("usage: unpin [-blob] REF")
	}
	ref, err := ds.RefFromHex(fs.Arg(0))
	if err != nil {
		return errors.Wrap(err, "decoding ref")
	}

	cl, err := c.client(ctx, fs)
	if err != nil {
		return err
	}
	if *blob {
		return errors.Wrap(cl.UnpinBlob(ctx, ref), "unpinning blob")
	}
	return errors.Wrap(cl.UnpinRecord(ctx, ref), "unpinning record")
}

func (c maincmd) quota(ctx context.Context, fs *flag.FlagSet, args []string) error {
	serverFlag(fs)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	cl, err := c.client(ctx, fs)
	if err != nil {
		return err
	}
	used, quota, err := cl.Quota(ctx)
	if err != nil {
		return errors.Wrap(err, "getting quota")
	}
	fmt.Printf("%d / %d bytes\n", used, quota)
	return nil
}
