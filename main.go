// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fawa-io/keydrop/pkg/config"
	"github.com/fawa-io/keydrop/pkg/cors"
	"github.com/fawa-io/keydrop/pkg/fwlog"
	"github.com/fawa-io/keydrop/pkg/metadata"
	"github.com/fawa-io/keydrop/pkg/retention"
	"github.com/fawa-io/keydrop/pkg/storage"
	"github.com/fawa-io/keydrop/pkg/util"
	"github.com/fawa-io/keydrop/service/file"
)

func storageOptions(cfg config.Config) storage.Options {
	return storage.Options{
		Backend: cfg.Storage.Backend,
		Root:    cfg.Storage.Root,
		Index:   cfg.Storage.Index,
		Redis: metadata.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		},
		Remote: storage.RemoteOptions{
			Endpoint:        cfg.Minio.Endpoint,
			AccessKeyID:     cfg.Minio.AccessKeyID,
			SecretAccessKey: cfg.Minio.SecretAccessKey,
			Bucket:          cfg.Minio.Bucket,
			UseSSL:          cfg.Minio.UseSSL,
		},
	}
}

func main() {
	if err := config.InitConfig(); err != nil {
		fwlog.Fatalf("Failed to initialize configuration: %v", err)
	}
	defer func() { _ = fwlog.Sync() }()

	cfg := config.Get()

	logLevel, err := fwlog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fwlog.Warnf("Invalid initial log level '%s': %v. Using default.", cfg.LogLevel, err)
	}
	fwlog.SetLevel(logLevel)
	fwlog.Infof("Logger initialized with level: %s", cfg.LogLevel)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	provider, err := storage.Open(ctx, storageOptions(cfg))
	if err != nil {
		fwlog.Fatalf("Failed to open storage: %v", err)
	}

	if cfg.Storage.TmpDir != "" {
		if err := util.EnsureDir(cfg.Storage.TmpDir); err != nil {
			fwlog.Fatalf("Failed to create temp dir: %v", err)
		}
	}

	var engine *retention.Engine
	if cfg.Retention.Enabled {
		engine, err = retention.New(provider, retention.Config{
			MaxAgeDays: cfg.Retention.MaxAgeDays,
			Schedule:   cfg.Retention.Schedule,
		})
		if err != nil {
			fwlog.Fatalf("Failed to configure retention: %v", err)
		}
		if err := engine.Start(ctx); err != nil {
			fwlog.Fatalf("Failed to start retention: %v", err)
		}
	}

	fileSvcHdr := file.NewFileServiceHandler(provider, file.Options{
		TmpDir:         cfg.Storage.TmpDir,
		MaxUploadBytes: cfg.Limits.MaxUploadBytes,
		UploadLimit:    cfg.Limits.Upload,
		DownloadLimit:  cfg.Limits.Download,
	})

	mux := http.NewServeMux()
	fileSvcHdr.Register(mux)

	keydropSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           cors.NewCORS().Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fwlog.Info("Shutting down server...")

		// Set timeout for HTTP server shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := keydropSrv.Shutdown(shutdownCtx); err != nil {
			fwlog.Errorf("Server shutdown error: %v", err)
		}
	}()

	fwlog.Infof("Server starting on %v", cfg.Addr)
	serveErr := serve(keydropSrv, cfg.CertFile, cfg.KeyFile)

	// Stop retention before the index it sweeps is closed.
	stop()
	if engine != nil {
		engine.Stop()
	}
	if err := provider.Close(); err != nil {
		fwlog.Errorf("Error closing storage: %v", err)
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		fwlog.Fatalf("Failed to start server: %v", serveErr)
	}
	fwlog.Info("Server shutdown complete")
}

// serve uses TLS when both certificate files exist and plain HTTP otherwise.
func serve(srv *http.Server, certFile, keyFile string) error {
	if certFile != "" && keyFile != "" {
		if util.Exist(certFile) && util.Exist(keyFile) {
			fwlog.Infof("Starting HTTPS server with certificates: %s, %s", certFile, keyFile)
			return srv.ListenAndServeTLS(certFile, keyFile)
		}
		fwlog.Warnf("Certificate files not found, falling back to HTTP mode")
	}
	fwlog.Infof("Starting HTTP server")
	return srv.ListenAndServe()
}
