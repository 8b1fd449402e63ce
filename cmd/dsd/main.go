// Command dsd runs a document-store node and talks to running ones.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	yaml "gopkg.in/yaml.v3"

	"github.com/docmesh/ds"
	_ "github.com/docmesh/ds/store/file"
	_ "github.com/docmesh/ds/store/logging"
	_ "github.com/docmesh/ds/store/lru"
	_ "github.com/docmesh/ds/store/mem"
	_ "github.com/docmesh/ds/store/pg"
	_ "github.com/docmesh/ds/store/sqlite3"
)

type config struct {
	Listen       string                 `yaml:"listen"`
	DB           string                 `yaml:"db"`
	Store        map[string]interface{} `yaml:"store"`
	JWTSecret    string                 `yaml:"jwt_secret"`
	IdentityKey  string                 `yaml:"identity_key"`
	Server       string                 `yaml:"server"`
	Peers        []string               `yaml:"peers"`
	DefaultQuota int64                  `yaml:"default_quota"`

	SweepInterval time.Duration `yaml:"sweep_interval"`
	FastThreshold time.Duration `yaml:"fast_threshold"`

	LogLevel string `yaml:"log_level"`
}

type maincmd struct {
	conf   config
	logger zerolog.Logger
}

func main() {
	confPath := flag.String("config", "dsd.yml", "path to config file")
	flag.Parse()

	f, err := os.Open(*confPath)
	if err != nil {
		log.Fatalf("Opening config file %s: %s", *confPath, err)
	}
	var conf config
	err = yaml.NewDecoder(f).Decode(&conf)
	f.Close()
	if err != nil {
		log.Fatalf("Decoding config file %s: %s", *confPath, err)
	}

	level := zerolog.InfoLevel
	if conf.LogLevel != "" {
		level, err = zerolog.ParseLevel(conf.LogLevel)
		if err != nil {
			log.Fatalf("Parsing log level %q: %s", conf.LogLevel, err)
		}
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)

	err = subcmd.Run(context.Background(), maincmd{conf: conf, logger: logger}, flag.Args())
	if err != nil {
		log.Fatal(err)
	}
}

func (c maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"serve":    c.serve,
		"keygen":   c.keygen,
		"create":   c.create,
		"get":      c.get,
		"edit":     c.edit,
		"list":     c.list,
		"put-blob": c.putBlob,
		"get-blob": c.getBlob,
		"pin":      c.pin,
		"unpin":    c.unpin,
		"quota":    c.quota,
		"sync":     c.sync,
	}
}

// identity loads the node's signing key from the configured seed file.
func (c maincmd) identity() (*ds.Identity, error) {
	if c.conf.IdentityKey == "" {
		return nil, errors.New("config has no identity_key")
	}
	seed, err := os.ReadFile(c.conf.IdentityKey)
	if err != nil {
		return nil, errors.Wrap(err, "reading identity key")
	}
	id, err := ds.IdentityFromSeed(seed)
	return id, errors.Wrap(err, "loading identity")
}
