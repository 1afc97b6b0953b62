// Package storebuild turns a server config's declared stores into a
// populated store.Registry, picking the Store Manager implementation
// by StoreConfig.Backend (§4.2, §6).
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package storebuild

import (
	"context"
	"os"

	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/store"
	"github.com/simonsobs/librarian/internal/store/cloud"
	"github.com/simonsobs/librarian/internal/store/globus"
	"github.com/simonsobs/librarian/internal/store/hdfs"
	"github.com/simonsobs/librarian/internal/store/posix"
	"github.com/simonsobs/librarian/internal/store/rsync"
)

// Build constructs a Store Manager per configured store and registers
// it; a backend whose construction fails (e.g. a bad rsync private
// key) makes the whole server config invalid (§7 Configuration kind).
func Build(ctx context.Context, stores []config.StoreConfig) (*store.Registry, error) {
	reg := store.NewRegistry()
	for _, sc := range stores {
		mgr, err := one(ctx, sc)
		if err != nil {
			return nil, err
		}
		reg.Register(mgr)
	}
	return reg, nil
}

func one(ctx context.Context, sc config.StoreConfig) (store.Manager, error) {
	switch sc.Backend {
	case "posix":
		return posix.New(sc.Name, sc.Root, sc.Capacity, sc.Enabled)
	case "rsync":
		key, err := os.ReadFile(sc.Params["private_key_path"])
		if err != nil {
			return nil, cmn.Wrap(cmn.KindConfiguration, err, "store %q: reading rsync private key", sc.Name)
		}
		return rsync.New(sc.Name, rsync.Config{
			Host:         sc.Params["host"],
			User:         sc.Params["user"],
			PrivateKey:   key,
			RemoteRoot:   sc.Root,
			LocalStaging: sc.Params["local_staging"],
		}, sc.Enabled)
	case "s3":
		return cloud.NewS3Store(ctx, sc.Name, sc.Params["region"], sc.Params["bucket"], sc.Params["prefix"], sc.Enabled)
	case "azure":
		return cloud.NewAzureStore(sc.Params["account_url"], sc.Params["account"], sc.Params["account_key"],
			sc.Name, sc.Params["container"], sc.Params["prefix"], sc.Enabled)
	case "gcs":
		return cloud.NewGCSStore(ctx, sc.Name, sc.Params["bucket"], sc.Params["prefix"], sc.Enabled)
	case "hdfs":
		return hdfs.New(sc.Name, sc.Params["namenode"], sc.Root, sc.Enabled)
	case "globus":
		return globus.New(sc.Name, sc.Params["endpoint_id"], sc.Root, sc.Params["transfer_base"], sc.Params["token"], sc.Enabled), nil
	default:
		return nil, cmn.New(cmn.KindConfiguration, "store %q: unknown backend %q", sc.Name, sc.Backend)
	}
}
