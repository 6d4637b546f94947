package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	"gocloud.dev/docstore"
	_ "gocloud.dev/docstore/gcpfirestore"
	"gocloud.dev/docstore/memdocstore"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/fluxkit/fluxkit/internal/bridge"
	"github.com/fluxkit/fluxkit/internal/config"
	"github.com/fluxkit/fluxkit/internal/events"
	"github.com/fluxkit/fluxkit/internal/generate"
	"github.com/fluxkit/fluxkit/internal/storage"
	"github.com/fluxkit/fluxkit/internal/storage/filesystem"
)

type Service struct {
	conf   *config.Config
	server *http.Server
	cert   *tls.Certificate

	gen  *generate.Generator
	meta storage.MetadataStore
	hub  *events.Hub
}

func New(c *config.Config) (*Service, error) {
	if c.DataDir == "" {
		return nil, fmt.Errorf("datadir is required")
	}

	svc := &Service{conf: c, hub: events.NewHub()}

	// Wrapper scripts are shipped in the binary and written out on startup.
	scriptsDir := filepath.Join(c.DataDir, "scripts")
	if err := generate.MaterializeScripts(scriptsDir); err != nil {
		return nil, fmt.Errorf("materialize scripts: %w", err)
	}
	if err := os.MkdirAll(c.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	// Load TLS certificate if configured (from files or PEM strings)
	if c.TLS != nil {
		cert, err := loadTLSCert(c.TLS)
		if err != nil {
			return nil, err
		}
		if cert != nil {
			svc.cert = cert
		}
	}

	// Artifact storage using gocloud.dev
	// fileblob URL format: file:///absolute/path?create_dir=true
	blobURL := "file://" + c.DataDir + "/artifacts?create_dir=true"
	if c.Storage.BlobURL != "" {
		blobURL = c.Storage.BlobURL
	}
	bucket, err := blob.OpenBucket(context.Background(), blobURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob bucket: %w", err)
	}
	artifacts := storage.NewArtifactStore(bucket)
	slog.Info("artifact storage initialized", "url", blobURL)

	// Metadata storage. No docstore URL selects the plain-JSON store under
	// DataDir; a URL selects the gocloud backend it names.
	if c.Storage.DocstoreURL == "" {
		svc.meta = filesystem.NewMetadataStore(filepath.Join(c.DataDir, "metadata"))
		slog.Info("metadata storage initialized", "backend", "filesystem")
	} else {
		generations, presets, err := openDocstoreCollections(c.Storage.DocstoreURL, c.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open docstore: %w", err)
		}
		svc.meta = storage.NewMetadataStore(generations, presets)
		slog.Info("metadata storage initialized", "url", c.Storage.DocstoreURL)
	}

	runner := bridge.NewPythonRunner(c.PythonPaths...)
	br := bridge.New(runner)

	svc.gen = generate.New(br, artifacts, svc.meta, svc.hub, generate.Options{
		ScriptsDir:       scriptsDir,
		OutputDir:        c.OutputDir,
		ModelsDir:        filepath.Join(c.DataDir, "models"),
		HFToken:          c.HFToken,
		QueueDepth:       c.QueueDepth,
		InferenceTimeout: c.Timeouts.Inference,
		DownloadTimeout:  c.Timeouts.Download,
	})

	gin.SetMode(gin.ReleaseMode)
	router := svc.setupRouter()

	svc.server = &http.Server{
		Addr:    c.Address,
		Handler: router,
	}
	if svc.cert != nil {
		svc.server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*svc.cert}}
	}

	return svc, nil
}

// Serve starts the queue workers and the HTTP server and blocks until the
// server stops.
func (svc *Service) Serve(ctx context.Context) error {
	go svc.gen.Run(ctx)

	if svc.cert != nil {
		if err := http2.ConfigureServer(svc.server, nil); err != nil {
			return err
		}
		return svc.server.ListenAndServeTLS("", "")
	}
	h2s := &http2.Server{}
	svc.server.Handler = h2c.NewHandler(svc.server.Handler, h2s)
	svc.server.BaseContext = func(listener net.Listener) context.Context {
		return ctx
	}
	return svc.server.ListenAndServe()
}

func (svc *Service) Shutdown(ctx context.Context) error {
	err := svc.server.Shutdown(ctx)
	if cerr := svc.meta.Close(); err == nil {
		err = cerr
	}
	return err
}

func loadTLSCert(tlsConf *config.TLS) (*tls.Certificate, error) {
	switch {
	case tlsConf.CertFile != "" && tlsConf.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(tlsConf.CertFile, tlsConf.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate from files: %w", err)
		}
		slog.Info("TLS enabled", "cert", tlsConf.CertFile)
		return &cert, nil
	case tlsConf.CertPEM != "" && tlsConf.KeyPEM != "":
		cert, err := tls.X509KeyPair([]byte(tlsConf.CertPEM), []byte(tlsConf.KeyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate from PEM: %w", err)
		}
		slog.Info("TLS enabled from PEM")
		return &cert, nil
	default:
		// Incomplete TLS config
		return nil, nil
	}
}

// openDocstoreCollections opens the two metadata collections. For memdocstore
// (mem://), the collections persist to files under dataDir so records survive
// restarts.
func openDocstoreCollections(urlBase, dataDir string) (generations, presets *docstore.Collection, err error) {
	if strings.HasPrefix(urlBase, "mem://") {
		metadataDir := dataDir + "/metadata"
		if err := os.MkdirAll(metadataDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create metadata directory: %w", err)
		}

		generations, err = memdocstore.OpenCollection("ID", &memdocstore.Options{
			Filename: metadataDir + "/generations.json",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open generations collection: %w", err)
		}
		presets, err = memdocstore.OpenCollection("ID", &memdocstore.Options{
			Filename: metadataDir + "/presets.json",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open presets collection: %w", err)
		}
		return generations, presets, nil
	}

	generations, err = docstore.OpenCollection(context.Background(), urlBase+"/generations?id_field=ID")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open generations collection: %w", err)
	}
	presets, err = docstore.OpenCollection(context.Background(), urlBase+"/presets?id_field=ID")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open presets collection: %w", err)
	}
	return generations, presets, nil
}
