package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/masud80/healthcare-emr-sub001/internal/config"
	"github.com/masud80/healthcare-emr-sub001/internal/permissions"
	"github.com/masud80/healthcare-emr-sub001/internal/platform/firebase"
	"github.com/masud80/healthcare-emr-sub001/internal/rulesync"
)

// factories opens the remote side of each command. Tests replace them with
// in-process fakes.
type factories struct {
	rules   func(ctx context.Context, cfg *config.Config) (rulesync.Source, error)
	indexes func(ctx context.Context, cfg *config.Config) (rulesync.Source, error)
	// permissionsWriter returns a writer and a func releasing its client.
	permissionsWriter func(ctx context.Context, cfg *config.Config, prune bool) (permissions.Writer, func(), error)
}

func defaultFactories() factories {
	return factories{
		rules: func(ctx context.Context, cfg *config.Config) (rulesync.Source, error) {
			return rulesync.NewRulesSource(ctx, cfg.FirebaseProjectID, firebaseConfig(cfg).ClientOptions()...)
		},
		indexes: func(ctx context.Context, cfg *config.Config) (rulesync.Source, error) {
			return rulesync.NewIndexesSource(ctx, cfg.FirebaseProjectID, firebaseConfig(cfg).ClientOptions()...)
		},
		permissionsWriter: func(ctx context.Context, cfg *config.Config, prune bool) (permissions.Writer, func(), error) {
			client, err := firebase.NewFirestore(ctx, firebaseConfig(cfg))
			if err != nil {
				return nil, nil, err
			}
			w := permissions.NewFirestoreWriter(client, cfg.PermissionsCollection)
			w.Prune = prune
			return w, func() { client.Close() }, nil
		},
	}
}

func firebaseConfig(cfg *config.Config) firebase.Config {
	return firebase.Config{ProjectID: cfg.FirebaseProjectID, CredentialsFile: cfg.FirebaseCredsFile}
}

func loadAdminConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateAdmin(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// jsonOutput opens path for writing, or returns out when path is empty or "-".
func jsonOutput(path string, out io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return out, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", path, err)
	}
	return f, f.Close, nil
}
