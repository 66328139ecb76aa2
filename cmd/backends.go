package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finscan/internal/imagestore"
	"github.com/sells-group/finscan/internal/store"
	"github.com/sells-group/finscan/internal/workqueue"
)

func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "finscan.db"
		}
		st, err = store.NewSQLite(path)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initImages(ctx context.Context) (imagestore.Store, error) {
	switch cfg.Images.Backend {
	case "local":
		return imagestore.NewLocal(cfg.Images.Dir)
	case "minio":
		m := cfg.Images.MinIO
		zap.L().Info("using minio image store", zap.String("endpoint", m.Endpoint), zap.String("bucket", m.Bucket))
		return imagestore.NewMinIO(ctx, imagestore.MinIOConfig{
			Endpoint:        m.Endpoint,
			AccessKeyID:     m.AccessKey,
			SecretAccessKey: m.SecretKey,
			UseSSL:          m.UseSSL,
			Bucket:          m.Bucket,
			BasePath:        m.BasePath,
			MaxRetries:      m.MaxRetries,
		})
	default:
		return nil, eris.Errorf("unsupported image backend: %s", cfg.Images.Backend)
	}
}

// initQueue returns the work queue and a close func for its connection.
func initQueue(ctx context.Context) (workqueue.Queue, func(), error) {
	switch cfg.Queue.Backend {
	case "memory":
		return workqueue.NewMemory(), func() {}, nil
	case "redis":
		r := cfg.Queue.Redis
		client, err := workqueue.NewRedisClient(ctx, workqueue.RedisConfig{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Key:      r.Key,
		})
		if err != nil {
			return nil, nil, err
		}
		zap.L().Info("using redis work queue", zap.String("addr", r.Addr), zap.String("key", r.Key))
		return workqueue.NewRedis(client, r.Key), func() { _ = client.Close() }, nil
	default:
		return nil, nil, eris.Errorf("unsupported queue backend: %s", cfg.Queue.Backend)
	}
}
