// Command perspectivedbd is the per-database ingest+auth process: it opens
// the DAG store at its configured path, runs the change bridge and replication
// cursors against it, and serves the peer protocol to remote subscribers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/netsend/perspectivedb/internal/config"
	"github.com/netsend/perspectivedb/internal/dagstore"
	"github.com/netsend/perspectivedb/internal/ingest"
	"github.com/netsend/perspectivedb/internal/logging"
	"github.com/netsend/perspectivedb/internal/peer"
	"github.com/netsend/perspectivedb/internal/replication"
	"github.com/netsend/perspectivedb/internal/revision"
	"github.com/netsend/perspectivedb/internal/sourcebridge"
	sourcemongo "github.com/netsend/perspectivedb/internal/sourcebridge/mongo"
	"github.com/netsend/perspectivedb/internal/wire"
)

func main() {
	var configPath string
	var dump bool

	root := &cobra.Command{
		Use:   "perspectivedbd",
		Short: "per-database ingest and peer-sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, dump)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the process configuration file")
	root.Flags().BoolVar(&dump, "dump", false, "dump the DAG store's contents to stdout and exit, instead of serving")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, dump bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	compLog := logging.Component(log, "perspectivedbd", cfg.DBPath, "")

	store, err := dagstore.Open(cfg.DBPath)
	if err != nil {
		compLog.Error("open store failed", zap.Error(err))
		return err
	}
	defer store.Close()

	if dump {
		return store.Dump(os.Stdout)
	}

	pipeline := &ingest.Pipeline{Store: store}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.SourceMongoURI != "" {
		bridge, err := openSourceBridge(gctx, cfg, pipeline)
		if err != nil {
			compLog.Error("source bridge connect failed", zap.Error(err))
			return err
		}
		pipeline.Mirror = sourcebridge.AsMirror(bridge.Adapter)
		g.Go(func() error { return runSourceBridge(gctx, compLog, bridge, cfg.BackoffEvery) })
	} else {
		compLog.Info("source bridge disabled: no source_mongo_uri configured")
	}

	srv := &peer.Server{
		Upgrader: websocket.Upgrader{},
		Auth:     authenticate,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		srv.ServeHTTP(w, r, func(c *peer.Conn, pe string) {
			handlePeer(gctx, compLog, pipeline, store, c, pe, cfg.ReplicationPoll)
		})
	})
	httpServer := &http.Server{Addr: cfg.BindAddr, Handler: mux}

	g.Go(func() error {
		compLog.Info("listening", zap.String("bind_addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openSourceBridge connects to the configured source collection and wraps
// it as a sourcebridge.Bridge, per spec §6.2's change-bridge configuration.
func openSourceBridge(ctx context.Context, cfg config.Config, pipeline *ingest.Pipeline) (*sourcebridge.Bridge, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.SourceMongoURI))
	if err != nil {
		return nil, fmt.Errorf("source bridge: connect: %w", err)
	}
	coll := client.Database(cfg.SourceMongoDB).Collection(cfg.SourceCollection)
	return &sourcebridge.Bridge{Adapter: sourcemongo.New(coll), Pipeline: pipeline}, nil
}

// runSourceBridge backfills once if the DAG store holds no revisions yet,
// then tails the source change feed until ctx is canceled, retrying Tail
// with the configured backoff on error (spec §4.8: the bridge is expected
// to reconnect and resume rather than give up).
func runSourceBridge(ctx context.Context, log *zap.Logger, bridge *sourcebridge.Bridge, backoff time.Duration) error {
	ids, err := bridge.Pipeline.Store.AllIds()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		if err := bridge.Backfill(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	for {
		err := bridge.Tail(ctx, "")
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Warn("source bridge tail ended, retrying", zap.Error(err))
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
	}
}

// authenticate is a stand-in credential check: the supervisor's TLS
// terminator has already gated the connection before it reaches this
// process, so here a non-empty username is accepted as the peer's identity.
func authenticate(auth wire.AuthRequest) (string, bool) {
	if auth.Username == "" {
		return "", false
	}
	return auth.Username, true
}

// handlePeer runs both directions of the peer protocol concurrently on one
// connection: inbound ingestion of whatever the peer sends, and outbound
// replication of this collection's LOCAL DAG back to it.
func handlePeer(ctx context.Context, log *zap.Logger, pipeline *ingest.Pipeline, store *dagstore.Store, c *peer.Conn, pe string, pollInterval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		err := peer.Receive(c, pe, func(rev *revision.Revision) error {
			_, err := pipeline.Ingest(ctx, ingest.Batch{
				Perspective: pe,
				Items:       []ingest.Item{{Rev: rev, Origin: ingest.OriginRemote}},
			})
			return err
		})
		if err != nil {
			log.Warn("peer receive ended", zap.String("pe", pe), zap.Error(err))
		}
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		revs := make(chan *revision.Revision, 32)
		go func() {
			defer close(revs)
			pollReplication(ctx, log, store, pollInterval, revs)
		}()
		if err := peer.Send(c, revs); err != nil {
			log.Warn("peer send ended", zap.String("pe", pe), zap.Error(err))
		}
	}()

	wg.Wait()
}

// pollReplication drives one replication.Cursor per known document id,
// feeding newly-committed LOCAL revisions into out until ctx is canceled.
// Each peer connection gets its own set of cursors, all starting from the
// beginning; spec §4.7's persisted per-peer offset is left to a future
// resumption layer (see DESIGN.md).
func pollReplication(ctx context.Context, log *zap.Logger, store *dagstore.Store, interval time.Duration, out chan<- *revision.Revision) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	cursors := make(map[string]*replication.Cursor)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids, err := store.AllIds()
		if err != nil {
			log.Warn("replication: list ids failed", zap.Error(err))
			continue
		}
		for _, id := range ids {
			key := string(id)
			cur, ok := cursors[key]
			if !ok {
				opened, err := replication.Open(store, id, "", nil)
				if err != nil {
					log.Warn("replication: open cursor failed", zap.Binary("id", id), zap.Error(err))
					continue
				}
				cur = opened
				cursors[key] = cur
			}
			revs, err := cur.Poll(ctx)
			if err != nil {
				log.Warn("replication: poll failed", zap.Binary("id", id), zap.Error(err))
				continue
			}
			for _, rev := range revs {
				select {
				case out <- rev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
