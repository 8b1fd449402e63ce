package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/pkg/errors"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/peer"
)

// sync reconciles the named records between the local node's storage
// and every configured peer.
func (c maincmd) sync(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() == 0 {
		return errors.New("usage: sync RECORD-ID...")
	}
	if len(c.conf.Peers) == 0 {
		return errors.New("config names no peers")
	}

	records := make([]ds.Ref, fs.NArg())
	for i, arg := range fs.Args() {
		ref, err := ds.RefFromHex(arg)
		if err != nil {
			return errors.Wrapf(err, "decoding record id %s", arg)
		}
		records[i] = ref
	}

	id, err := c.identity()
	if err != nil {
		return err
	}
	m, _, err := c.openNode(ctx)
	if err != nil {
		return err
	}

	pool := peer.NewPool(id, c.logger)
	var failed int
	for _, res := range pool.SyncAll(ctx, m, c.conf.Peers, records) {
		if res.Err != nil {
			failed++
			fmt.Printf("%s: %s\n", res.Peer, res.Err)
		} else {
			fmt.Printf("%s: ok\n", res.Peer)
		}
	}
	if failed > 0 {
		return errors.Errorf("%d of %d peers failed", failed, len(c.conf.Peers))
	}
	return nil
}
