// Package logging implements a store that delegates everything to a nested store,
// logging operations as they happen.
package logging

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/store"
)

var _ ds.Store = &Store{}

type Store struct {
	s   ds.Store
	log zerolog.Logger
}

func New(s ds.Store, log zerolog.Logger) *Store {
	return &Store{s: s, log: log}
}

func (s *Store) Get(ctx context.Context, ref ds.Ref) (ds.Blob, error) {
	b, err := s.s.Get(ctx, ref)
	if err != nil {
		s.log.Error().Err(err).Stringer("ref", ref).Msg("Get")
	} else {
		s.log.Debug().Stringer("ref", ref).Int("len", len(b)).Msg("Get")
	}
	return b, err
}

func (s *Store) Put(ctx context.Context, b ds.Blob) (ds.Ref, bool, error) {
	ref, added, err := s.s.Put(ctx, b)
	if err != nil {
		s.log.Error().Err(err).Msg("Put")
	} else {
		s.log.Debug().Stringer("ref", ref).Bool("added", added).Msg("Put")
	}
	return ref, added, err
}

func (s *Store) Delete(ctx context.Context, ref ds.Ref) error {
	if d, ok := s.s.(ds.Deleter); ok {
		err := d.Delete(ctx, ref)
		if err != nil {
			s.log.Error().Err(err).Stringer("ref", ref).Msg("Delete")
		} else {
			s.log.Debug().Stringer("ref", ref).Msg("Delete")
		}
		return err
	}
	return errors.New("nested store does not support Delete")
}

func (s *Store) ListRefs(ctx context.Context, start ds.Ref, f func(ds.Ref) error) error {
	s.log.Debug().Stringer("start", start).Msg("ListRefs")
	return s.s.ListRefs(ctx, start, f)
}

func init() {
	store.Register("logging", func(ctx context.Context, conf map[string]interface{}) (ds.Store, error) {
		nested, ok := conf["nested"].(map[string]interface{})
		if !ok {
			return nil, errors.New(`missing "nested" parameter`)
		}
		nestedType, ok := nested["type"].(string)
		if !ok {
			return nil, errors.New(`"nested" parameter missing "type"`)
		}
		nestedStore, err := store.Create(ctx, nestedType, nested)
		if err != nil {
			return nil, errors.Wrap(err, "creating nested store")
		}
		return New(nestedStore, zerolog.Nop()), nil
	})
}
