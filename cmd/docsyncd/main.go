// Command docsyncd serves the collaborative document engine (spec.md
// §4.4) over the websocket wire protocol (spec.md §6.1): one process
// hosting an Engine, cold/hot storage, auth, and per-document presence.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"

	"github.com/docsync/engine/go/auth"
	"github.com/docsync/engine/go/cluster"
	"github.com/docsync/engine/go/presence"
	"github.com/docsync/engine/go/schema"
	"github.com/docsync/engine/go/server"
	"github.com/docsync/engine/go/storage/filehot"
	"github.com/docsync/engine/go/storage/sqlitecold"
)

// LogConfig configures logrus's output, mirroring the teacher's own
// flowctl LogConfig so operators get the same `--log.level`/`--log.format`
// surface across both projects.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

func initLog(cfg LogConfig) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	default:
		log.SetFormatter(&log.TextFormatter{})
	}
	var lvl, err = log.ParseLevel(cfg.Level)
	if err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	}
	log.SetLevel(lvl)
}

// StorageConfig configures the cold/hot storage backends.
type StorageConfig struct {
	SQLitePath    string `long:"sqlite-path" env:"SQLITE_PATH" default:"docsync.db" description:"Path to the sqlite cold-storage database"`
	WalDir        string `long:"wal-dir" env:"WAL_DIR" default:"docsync-wal" description:"Directory of per-document hot-storage WAL files"`
	SchemaVersion int    `long:"schema-version" env:"SCHEMA_VERSION" default:"1" description:"Schema version stamped on saved snapshots"`
}

// AuthConfig configures token verification. An empty SigningKey disables
// auth entirely: every connection is granted write access anonymously.
type AuthConfig struct {
	SigningKey string `long:"signing-key" env:"SIGNING_KEY" description:"HMAC key for verifying auth tokens; empty disables authentication"`
	Issuer     string `long:"issuer" env:"ISSUER" default:"docsyncd" description:"Expected JWT issuer"`
}

// ClusterConfig configures the etcd-backed sharding fabric (spec.md
// §4.4.3). An empty EtcdEndpoints runs docsyncd standalone: every document
// is served locally with no ownership check, as if Fabric were absent.
type ClusterConfig struct {
	EtcdEndpoints string `long:"etcd-endpoints" env:"ETCD_ENDPOINTS" description:"Comma-separated etcd endpoints; empty disables clustering"`
	NodeID        string `long:"node-id" env:"NODE_ID" description:"This node's identity in the sharding fabric; defaults to a generated id"`
	GRPCAddr      string `long:"grpc-addr" env:"GRPC_ADDR" default:":8766" description:"Listen address for the inter-node entity gRPC service"`
}

type config struct {
	Addr    string        `long:"addr" env:"ADDR" default:":8765" description:"HTTP listen address for the websocket and metrics endpoints"`
	Storage StorageConfig `group:"Storage" namespace:"storage" env-namespace:"STORAGE"`
	Auth    AuthConfig    `group:"Auth" namespace:"auth" env-namespace:"AUTH"`
	Log     LogConfig     `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Cluster ClusterConfig `group:"Cluster" namespace:"cluster" env-namespace:"CLUSTER"`
}

// defaultDocumentSchema is the schema used for every document this daemon
// serves. A real deployment would select a schema per documentId (or per
// namespace); docsyncd wires a single generic one to keep the daemon
// runnable standalone (see DESIGN.md's judgment call on this).
func defaultDocumentSchema() schema.Primitive {
	return schema.NewStruct(map[string]schema.Primitive{
		"title": schema.NewString(),
		"body":  schema.NewString(),
		"tags":  schema.NewArray(schema.NewString()),
	}, []string{"title", "body", "tags"})
}

func uuidGen() string { return uuid.NewString() }

func main() {
	var cfg config
	var parser = flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		log.WithError(err).Fatal("docsyncd: parsing flags")
	}
	initLog(cfg.Log)

	var cold, err = sqlitecold.Open(cfg.Storage.SQLitePath, cfg.Storage.SchemaVersion)
	if err != nil {
		log.WithError(err).Fatal("docsyncd: opening cold storage")
	}
	defer cold.Close()

	var hot, herr = filehot.New(cfg.Storage.WalDir)
	if herr != nil {
		log.WithError(herr).Fatal("docsyncd: opening hot storage")
	}

	var rootSchema = defaultDocumentSchema()
	var engine = server.New(server.Config{
		SchemaFor: func(documentID string) (schema.Primitive, any) {
			return rootSchema, nil
		},
		Cold:          cold,
		Hot:           hot,
		SchemaVersion: cfg.Storage.SchemaVersion,
		IDGen:         uuidGen,
		NowFn:         func() int64 { return time.Now().UnixMilli() },
	})

	var authSvc auth.Service
	if cfg.Auth.SigningKey != "" {
		authSvc = auth.NewJWTService([]byte(cfg.Auth.SigningKey), cfg.Auth.Issuer)
	}

	var presenceMu sync.Mutex
	var presenceChannels = map[string]*presence.Channel{}
	var presenceRegistry server.PresenceRegistry = func(documentID string) *presence.Channel {
		presenceMu.Lock()
		defer presenceMu.Unlock()
		var ch, ok = presenceChannels[documentID]
		if !ok {
			ch = presence.New(nil, 30*time.Second)
			presenceChannels[documentID] = ch
		}
		return ch
	}

	var mux = http.NewServeMux()
	mux.Handle("/ws", &server.SessionHandler{Engine: engine, Auth: authSvc, Presence: presenceRegistry})
	mux.Handle("/metrics", promhttp.Handler())

	var httpServer = &http.Server{Addr: cfg.Addr, Handler: mux}

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var grpcServer *grpcServerHandle
	if cfg.Cluster.EtcdEndpoints != "" {
		var gerr error
		grpcServer, gerr = startCluster(ctx, cfg.Cluster, engine)
		if gerr != nil {
			log.WithError(gerr).Fatal("docsyncd: starting cluster fabric")
		}
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("docsyncd: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("docsyncd: http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("docsyncd: shutting down")

	var shutdownCtx, shutdownCancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("docsyncd: http server shutdown")
	}
	if grpcServer != nil {
		grpcServer.server.GracefulStop()
		grpcServer.etcdClient.Close()
	}
	engine.Shutdown(shutdownCtx)
}

type grpcServerHandle struct {
	server     *grpc.Server
	etcdClient *clientv3.Client
}

// startCluster dials etcd, builds a Fabric for this node, and serves the
// entity gRPC service so peer nodes can forward work for documents this
// node owns (spec.md §4.4.3).
func startCluster(ctx context.Context, cfg ClusterConfig, engine *server.Engine) (*grpcServerHandle, error) {
	var nodeID = cfg.NodeID
	if nodeID == "" {
		nodeID = uuidGen()
	}

	var etcdClient, err = clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(cfg.EtcdEndpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("docsyncd: dialing etcd: %w", err)
	}

	var fabric, ferr = cluster.NewFabric(ctx, etcdClient, nodeID)
	if ferr != nil {
		etcdClient.Close()
		return nil, fmt.Errorf("docsyncd: building fabric: %w", ferr)
	}

	var entitySvc = cluster.NewEntityService(engine, fabric, nil)
	var grpcServer = cluster.NewGRPCServer()
	cluster.RegisterEntityServer(grpcServer, entitySvc)
	grpc_prometheus.Register(grpcServer)

	var lis, lerr = net.Listen("tcp", cfg.GRPCAddr)
	if lerr != nil {
		etcdClient.Close()
		return nil, fmt.Errorf("docsyncd: listening on %q: %w", cfg.GRPCAddr, lerr)
	}
	go func() {
		log.WithFields(log.Fields{"addr": cfg.GRPCAddr, "node": nodeID}).Info("docsyncd: entity gRPC service listening")
		if err := grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			log.WithError(err).Error("docsyncd: entity gRPC service failed")
		}
	}()

	return &grpcServerHandle{server: grpcServer, etcdClient: etcdClient}, nil
}
