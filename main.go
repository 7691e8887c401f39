// Command flvision runs one participant of a vision training federation:
// it loads the private partition from disk, dials the aggregator, and
// answers parameter, fit and evaluate requests until shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"flvision/client"
	"flvision/config"
	"flvision/dataset"
	"flvision/device"
	"flvision/eval"
	"flvision/metrics"
	"flvision/model"
	"flvision/network"
	"flvision/params"
	"flvision/protocol"
	"flvision/train"
	"flvision/util"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath = flag.String("config", "", "YAML config file")
		dataDir = flag.String("data", "", "partition root, overrides the config")
		addr    = flag.String("addr", "", "aggregator address, overrides the config")
		id      = flag.String("id", "", "client id, overrides the config")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *addr != "" {
		cfg.AggregatorAddr = *addr
	}
	if *id != "" {
		cfg.ClientID = *id
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	log := util.NewLogger("flvision", cfg.LogLevel)
	log.Info("starting client",
		"client_id", cfg.ClientID,
		"aggregator", cfg.AggregatorAddr,
	)

	dev, err := device.NewContext(cfg.Device, cfg.MemoryBudgetBytes, cfg.MemoryFraction)
	if err != nil {
		return err
	}
	defer dev.Cleanup()
	log.Info("device ready",
		"kind", dev.Kind,
		"mem_ceiling_bytes", dev.Mem.Ceiling(),
	)

	backbone, err := loadBackbone(cfg, log)
	if err != nil {
		return err
	}
	net, err := model.NewNet(backbone, cfg.HiddenDim, cfg.NumClasses, cfg.Dropout, cfg.Seed)
	if err != nil {
		return err
	}
	log.Info("model ready",
		"schema", net.Schema().Version,
		"digest", net.Schema().Digest(),
		"features", net.Backbone().Out(),
		"classes", net.Classes(),
	)

	trainLoader, evalLoader, err := loadPartitions(cfg, dev.Mem, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	cl, err := client.New(client.Params{
		ID:    cfg.ClientID,
		Net:   net,
		Train: trainLoader,
		Eval:  evalLoader,
		Trainer: train.New(train.Config{
			LearningRate:    cfg.LearningRate,
			WeightDecay:     cfg.WeightDecay,
			ClipNorm:        cfg.ClipNorm,
			PlateauFactor:   cfg.PlateauFactor,
			PlateauPatience: cfg.PlateauPatience,
			LRFloor:         cfg.LRFloor,
		}, dev.Mem, log.Named("train")),
		Evaluator:  eval.New(dev.Mem, log.Named("eval")),
		Mem:        dev.Mem,
		Metrics:    met,
		Epochs:     cfg.Epochs,
		Checkpoint: cfg.CheckpointPath,
		Log:        log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, reg)
		go func() {
			log.Info("metrics listener up", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	return serveForever(ctx, cl, cfg.AggregatorAddr, log)
}

// serveForever keeps a session with the aggregator alive until shutdown.
// Transport faults reconnect with backoff; schema or data contract
// violations end the process, since reconnecting cannot fix them.
func serveForever(ctx context.Context, cl *client.Client, addr string, log hclog.Logger) error {
	for {
		link, err := network.Dial[protocol.Request, protocol.ClientMessage](ctx, addr, log)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = cl.Serve(ctx, link)
		link.Close()
		switch {
		case ctx.Err() != nil:
			log.Info("shutting down")
			return nil
		case err == nil:
			log.Info("aggregator ended the session, reconnecting")
		case errors.Is(err, params.ErrShapeMismatch), errors.Is(err, dataset.ErrMalformedBatch):
			return err
		default:
			log.Warn("session failed, reconnecting", "error", err)
		}
	}
}

func loadBackbone(cfg config.Config, log hclog.Logger) (model.Backbone, error) {
	width := cfg.ImageSize * cfg.ImageSize
	if cfg.BackbonePath != "" {
		bb, err := model.LoadBackbone(cfg.BackbonePath)
		if err != nil {
			return nil, fmt.Errorf("load backbone: %w", err)
		}
		if bb.In() != width {
			return nil, fmt.Errorf("backbone expects %d inputs, %dpx images provide %d", bb.In(), cfg.ImageSize, width)
		}
		log.Info("backbone loaded", "path", cfg.BackbonePath, "in", bb.In(), "out", bb.Out())
		return bb, nil
	}
	log.Warn("no backbone configured, embedding with a seeded random projection")
	return model.NewSeededEmbedder(cfg.Seed, width, cfg.EmbedDim), nil
}

func loadPartitions(cfg config.Config, mem *device.Manager, log hclog.Logger) (*dataset.Loader, *dataset.Loader, error) {
	scan := dataset.DefaultScanConfig(cfg.ImageSize, cfg.NumClasses)

	trainPart, err := dataset.Scan(filepath.Join(cfg.DataDir, "train"), scan)
	if err != nil {
		return nil, nil, fmt.Errorf("train partition: %w", err)
	}
	valPart, err := dataset.Scan(filepath.Join(cfg.DataDir, "val"), scan)
	if err != nil {
		return nil, nil, fmt.Errorf("val partition: %w", err)
	}
	log.Info("partitions loaded",
		"train", trainPart.Len(),
		"val", valPart.Len(),
		"width", trainPart.Width(),
		"classes", trainPart.Classes(),
	)

	trainLoader := dataset.NewLoader(trainPart, mem, dataset.LoaderConfig{
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		Workers:   cfg.Workers,
		Seed:      cfg.Seed,
	}, log.Named("loader"))
	evalLoader := dataset.NewLoader(valPart, mem, dataset.LoaderConfig{
		BatchSize: cfg.BatchSize,
		Workers:   1,
	}, log.Named("loader"))
	return trainLoader, evalLoader, nil
}
