package main

import (
	"fmt"
	"log"

	"github.com/spf13/viper"

	"github.com/mirrorkit/mirror/internal/entity"
	"github.com/mirrorkit/mirror/internal/gateway"
	"github.com/mirrorkit/mirror/internal/metrics"
	"github.com/mirrorkit/mirror/internal/registry"
	"github.com/mirrorkit/mirror/internal/remote"
	"github.com/mirrorkit/mirror/internal/remote/filefeed"
	"github.com/mirrorkit/mirror/internal/store"
	"github.com/mirrorkit/mirror/internal/store/memory"
	"github.com/mirrorkit/mirror/internal/store/postgres"
	"github.com/mirrorkit/mirror/internal/store/sqlite"
	"github.com/mirrorkit/mirror/internal/syncer"
	"github.com/mirrorkit/mirror/internal/watermark"

	"github.com/prometheus/client_golang/prometheus"
)

// kindConfig is the YAML shape of one registered kind.
type kindConfig struct {
	Name          string           `mapstructure:"name"`
	NotSyncable   bool             `mapstructure:"not_syncable"`
	Fields        []fieldConfig    `mapstructure:"fields"`
	Relationships []relationConfig `mapstructure:"relationships"`
}

type fieldConfig struct {
	Name    string `mapstructure:"name"`
	Default any    `mapstructure:"default"`
	MergeOr bool   `mapstructure:"merge_or"`
	Skip    bool   `mapstructure:"skip"`
}

type relationConfig struct {
	Name    string `mapstructure:"name"`
	Kind    string `mapstructure:"kind"`
	ToMany  bool   `mapstructure:"to_many"`
	Inverse string `mapstructure:"inverse"`
	Ordered bool   `mapstructure:"ordered"`
}

// engine bundles everything a command needs.
type engine struct {
	store    store.Store
	registry *registry.Registry
	gateways *gateway.Set
	marks    *watermark.Store
	client   remote.Client
	syncer   *syncer.Syncer
	metrics  *metrics.Metrics
	promReg  *prometheus.Registry
	logger   *log.Logger
}

// buildEngine assembles the sync engine from the loaded configuration.
func buildEngine(logger *log.Logger) (*engine, error) {
	reg, err := buildRegistry()
	if err != nil {
		return nil, err
	}

	st, err := openStore()
	if err != nil {
		return nil, err
	}

	feedDir := viper.GetString("feed.dir")
	client := remote.Client(filefeed.New(feedDir))

	gateways := gateway.NewSet(reg, logger)
	marks := watermark.New()
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	s := syncer.New(syncer.Config{
		Client:   client,
		Store:    st,
		Registry: reg,
		Gateways: gateways,
		Marks:    marks,
		Metrics:  m,
		Logger:   logger,
		LiteSync: viper.GetBool("sync.lite"),
	})

	return &engine{
		store:    st,
		registry: reg,
		gateways: gateways,
		marks:    marks,
		client:   client,
		syncer:   s,
		metrics:  m,
		promReg:  promReg,
		logger:   logger,
	}, nil
}

func (e *engine) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Printf("Error closing store: %v", err)
	}
}

func buildRegistry() (*registry.Registry, error) {
	var kinds []kindConfig
	if err := viper.UnmarshalKey("kinds", &kinds); err != nil {
		return nil, fmt.Errorf("parse kinds config: %w", err)
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("no kinds configured; declare at least one under 'kinds' in the config file")
	}

	reg := registry.New()
	for _, kc := range kinds {
		desc := &entity.Descriptor{Kind: entity.Kind(kc.Name)}
		for _, fc := range kc.Fields {
			desc.Fields = append(desc.Fields, entity.Field{
				Name:    fc.Name,
				Default: fc.Default,
				MergeOr: fc.MergeOr,
				Skip:    fc.Skip,
			})
		}
		for _, rc := range kc.Relationships {
			desc.Relationships = append(desc.Relationships, entity.Relationship{
				Name:    rc.Name,
				Kind:    entity.Kind(rc.Kind),
				ToMany:  rc.ToMany,
				Inverse: rc.Inverse,
				Ordered: rc.Ordered,
			})
		}
		if err := desc.Validate(); err != nil {
			return nil, fmt.Errorf("kind %q: %w", kc.Name, err)
		}
		var opts []registry.Option
		if kc.NotSyncable {
			opts = append(opts, registry.NotSyncable())
		}
		reg.Register(desc, opts...)
	}
	return reg, nil
}

func openStore() (store.Store, error) {
	driver := viper.GetString("store.driver")
	switch driver {
	case "memory":
		return memory.Open(), nil
	case "sqlite":
		path := viper.GetString("store.path")
		st, err := sqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case "postgres":
		dsn := viper.GetString("store.dsn")
		if dsn == "" {
			return nil, fmt.Errorf("store.dsn is required for the postgres driver")
		}
		st, err := postgres.Open(dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}
