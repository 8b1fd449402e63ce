package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/index"
	"github.com/docmesh/ds/pin"
	"github.com/docmesh/ds/record"
	"github.com/docmesh/ds/rpc"
	"github.com/docmesh/ds/schema"
	"github.com/docmesh/ds/store"
)

func (c maincmd) serve(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if c.conf.Listen == "" || c.conf.DB == "" || c.conf.JWTSecret == "" {
		return errors.New("config needs listen, db and jwt_secret to serve")
	}

	m, pins, err := c.openNode(ctx)
	if err != nil {
		return err
	}

	srv, err := rpc.NewServer(m, pins, []byte(c.conf.JWTSecret), c.logger)
	if err != nil {
		return errors.Wrap(err, "creating server")
	}

	httpSrv := &http.Server{
		Addr:    c.conf.Listen,
		Handler: srv.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := pins.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		return httpSrv.Shutdown(context.Background())
	})
	g.Go(func() error {
		c.logger.Info().Str("listen", c.conf.Listen).Msg("serving")
		err := httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// openNode assembles the local managers from the config.
func (c maincmd) openNode(ctx context.Context) (*record.Manager, *pin.Manager, error) {
	db, err := sql.Open("sqlite3", index.DSN(c.conf.DB))
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening index db")
	}

	var idxOpts []index.Option
	if c.conf.DefaultQuota > 0 {
		idxOpts = append(idxOpts, index.WithDefaultQuota(c.conf.DefaultQuota))
	}
	idx, err := index.New(ctx, db, idxOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating index")
	}

	storeConf := c.conf.Store
	if storeConf == nil {
		storeConf = map[string]interface{}{"type": "mem"}
	}
	typ, ok := storeConf["type"].(string)
	if !ok {
		return nil, nil, errors.New("store config missing `type` parameter")
	}
	blobs, err := store.Create(ctx, typ, storeConf)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "creating %s-type store", typ)
	}
	deleter, ok := blobs.(ds.Deleter)
	if !ok {
		return nil, nil, errors.Errorf("%s-type store cannot delete; gc needs that", typ)
	}

	schemas, err := schema.NewCache(blobs, 128)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating schema cache")
	}

	var pinOpts []pin.Option
	if c.conf.SweepInterval > 0 {
		pinOpts = append(pinOpts, pin.WithSweepInterval(c.conf.SweepInterval))
	}
	if c.conf.FastThreshold > 0 {
		pinOpts = append(pinOpts, pin.WithFastThreshold(c.conf.FastThreshold))
	}

	m := record.New(idx, blobs, schemas, c.logger)
	return m, pin.New(idx, deleter, c.logger, pinOpts...), nil
}
