package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hlameta/hlameta/internal/bootstrap"
	"github.com/hlameta/hlameta/internal/config"
	"github.com/hlameta/hlameta/internal/consolidation"
	"github.com/hlameta/hlameta/internal/metrics"
	"github.com/hlameta/hlameta/internal/service"
	"github.com/hlameta/hlameta/internal/source"
	"go.uber.org/zap"
	"gopkg.in/alecthomas/kingpin.v2"
)

type admin struct {
	cfg          *config.Config
	logger       *zap.Logger
	stores       *bootstrap.Stores
	tableService *service.VersionedTableService
	metrics      *metrics.Metrics
}

func main() {
	app := kingpin.New("hlameta-admin", "Administers HLA metadata lookup tables.")
	app.HelpFlag.Short('h')
	configPath := app.Flag("config", "path to config file").Short('c').String()

	recreateCmd := app.Command("recreate", "consolidates matched-typing records and publishes them as a dataset version")
	recreateDataset := recreateCmd.Arg("dataset", "dataset to build (HlaMatchingLookup or HlaScoringLookup)").Required().String()
	recreateVersion := recreateCmd.Arg("version", "nomenclature version to publish").Required().String()
	recreateSource := recreateCmd.Arg("source", "records location, a local path or s3://bucket/key").Required().String()
	recreateFormat := recreateCmd.Flag("format", "record format when the location has no known extension (jsonl or yaml)").String()
	recreateNotify := recreateCmd.Flag("notify", "base URL of a running server whose cache should be invalidated").String()

	currentCmd := app.Command("current", "shows the table serving a dataset version")
	currentDataset := currentCmd.Arg("dataset", "dataset name").Required().String()
	currentVersion := currentCmd.Arg("version", "nomenclature version").Required().String()

	versionsCmd := app.Command("versions", "lists published versions")
	versionsDataset := versionsCmd.Arg("dataset", "dataset name; all datasets when omitted").String()

	gcCmd := app.Command("gc", "deletes unreferenced tables of a dataset")
	gcDataset := gcCmd.Arg("dataset", "dataset name").Required().String()
	gcGrace := gcCmd.Flag("grace", "minimum age of a table before it is deleted").Duration()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := config.Load(*configPath)
	app.FatalIfError(err, "failed to load configuration")

	logger, err := bootstrap.NewLogger(cfg.Logging)
	app.FatalIfError(err, "failed to initialize logger")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newAdmin(cfg, logger)
	app.FatalIfError(err, "failed to initialize")
	defer a.close()

	switch command {
	case recreateCmd.FullCommand():
		err = a.recreate(ctx, *recreateDataset, *recreateVersion, *recreateSource, *recreateFormat, *recreateNotify)
	case currentCmd.FullCommand():
		err = a.current(ctx, *currentDataset, *currentVersion)
	case versionsCmd.FullCommand():
		err = a.versions(ctx, *versionsDataset)
	case gcCmd.FullCommand():
		grace := cfg.Tables.OrphanGrace
		if *gcGrace > 0 {
			grace = *gcGrace
		}
		err = a.gc(ctx, *gcDataset, grace)
	}
	if err != nil {
		a.close()
		app.Fatalf("%s: %v", command, err)
	}
}

func newAdmin(cfg *config.Config, logger *zap.Logger) (*admin, error) {
	stores, err := bootstrap.OpenStores(cfg, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.NewMetrics(nil)
	tableService, err := bootstrap.NewTableService(cfg, stores, m, logger)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	return &admin{
		cfg:          cfg,
		logger:       logger,
		stores:       stores,
		tableService: tableService,
		metrics:      m,
	}, nil
}

func (a *admin) close() {
	if a.stores == nil {
		return
	}
	if err := a.stores.Close(); err != nil {
		a.logger.Error("Failed to close stores", zap.Error(err))
	}
	a.stores = nil
}

func (a *admin) recreate(ctx context.Context, dataset, version, location, format, notify string) error {
	rules, ok := consolidation.RulesFor(dataset)
	if !ok {
		return fmt.Errorf("unknown dataset %q", dataset)
	}
	if format == "" {
		format = a.cfg.Source.Format
	}

	opener := source.Router{}
	if strings.HasPrefix(location, "s3://") {
		s3Opener, err := source.NewS3Opener(ctx, source.S3Config{
			Region:       a.cfg.Source.S3Region,
			Endpoint:     a.cfg.Source.S3Endpoint,
			UsePathStyle: a.cfg.Source.S3UsePathStyle,
		}, a.logger)
		if err != nil {
			return err
		}
		opener.S3 = s3Opener
	}

	records, err := source.Load(ctx, opener, location, format)
	if err != nil {
		return err
	}
	fmt.Printf("Read %s records from %s\n", humanize.Comma(int64(len(records))), location)

	var invalidator service.Invalidator = localInvalidator{tables: a.tableService}
	if notify != "" {
		invalidator = &remoteInvalidator{base: notify, local: invalidator, logger: a.logger}
	}

	recreation := service.NewRecreationService(
		consolidation.NewEngine(a.logger),
		a.tableService,
		invalidator,
		a.metrics,
		a.logger,
	)
	summary, err := recreation.Recreate(ctx, rules, version, records)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Dataset\t%s\n", summary.Dataset)
	fmt.Fprintf(w, "Version\t%s\n", summary.Version)
	fmt.Fprintf(w, "Table\t%s\n", summary.TableName)
	fmt.Fprintf(w, "Entries\t%s\n", humanize.Comma(int64(summary.Entries)))
	fmt.Fprintf(w, "Partitions\t%d\n", summary.Partitions)
	fmt.Fprintf(w, "Batches\t%s\n", humanize.Comma(int64(summary.Batches)))
	fmt.Fprintf(w, "Payload\t%s\n", humanize.Bytes(uint64(summary.PayloadBytes)))
	fmt.Fprintf(w, "Took\t%s\n", summary.Duration.Round(time.Millisecond))
	return w.Flush()
}

func (a *admin) current(ctx context.Context, dataset, version string) error {
	handle, err := a.tableService.CurrentTable(ctx, dataset, version)
	if err != nil {
		return err
	}
	fmt.Println(handle.TableName)
	return nil
}

func (a *admin) versions(ctx context.Context, dataset string) error {
	pointers, err := a.tableService.Pointers(ctx, dataset)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATASET\tVERSION\tTABLE\tUPDATED")
	for _, p := range pointers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.DatasetPrefix, p.Version, p.TableName, humanize.Time(p.UpdatedAt))
	}
	return w.Flush()
}

func (a *admin) gc(ctx context.Context, dataset string, grace time.Duration) error {
	deleted, err := a.tableService.CollectOrphans(ctx, dataset, grace)
	for _, table := range deleted {
		fmt.Printf("Deleted %s\n", table)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %s orphan tables older than %s\n", humanize.Comma(int64(len(deleted))), grace)
	return nil
}

// localInvalidator drops the cached pointer resolution of this process
type localInvalidator struct {
	tables *service.VersionedTableService
}

func (l localInvalidator) Invalidate(dataset, version string) {
	l.tables.Forget(dataset, version)
}

// remoteInvalidator drops the local resolution and asks a running server to
// drop its cached snapshot of the version.
type remoteInvalidator struct {
	base   string
	local  service.Invalidator
	logger *zap.Logger
}

func (r *remoteInvalidator) Invalidate(dataset, version string) {
	r.local.Invalidate(dataset, version)

	target := strings.TrimRight(r.base, "/") + "/v1/datasets/" + url.PathEscape(dataset) +
		"/versions/" + url.PathEscape(version) + "/cache"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		r.logger.Warn("Failed to build cache invalidation request", zap.Error(err))
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		r.logger.Warn("Failed to invalidate server cache", zap.String("url", target), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		r.logger.Warn("Server cache invalidation rejected",
			zap.String("url", target),
			zap.Int("status", resp.StatusCode))
		return
	}
	r.logger.Info("Server cache invalidated", zap.String("url", target))
}
