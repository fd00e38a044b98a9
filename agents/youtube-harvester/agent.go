package youtubeharvester

import (
	"context"
	"fmt"
	"log"
	"time"

	"harvest-stack/agents/youtube-harvester/youtube"
	"harvest-stack/internal/models"
	"harvest-stack/shared/batch"
	"harvest-stack/shared/catalog"
	"harvest-stack/shared/config"
	"harvest-stack/shared/email"
	"harvest-stack/shared/ledger"
	"harvest-stack/shared/scheduler"
	"harvest-stack/shared/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// HarvestMetrics represents the metrics collected during a harvest run
type HarvestMetrics struct {
	Flows   int `json:"flows"`
	WorkSet int `json:"work_set"`
	Fetched int `json:"fetched"`
	Empty   int `json:"empty"`
	Records int `json:"records"`
	Batches int `json:"batches"`
}

// GetSummary implements the scheduler.Metrics interface
func (m HarvestMetrics) GetSummary() string {
	return fmt.Sprintf("%d flows, fetched %d of %d identifiers (%d without data), committed %d records in %d batches",
		m.Flows, m.Fetched, m.WorkSet, m.Empty, m.Records, m.Batches)
}

func (m *HarvestMetrics) add(r *FlowResult) {
	m.Flows++
	m.WorkSet += r.WorkSet
	m.Fetched += r.Fetched
	m.Empty += r.Empty
	if r.Commit != nil {
		m.Records += r.Commit.Count
		m.Batches++
	}
}

type alerter interface {
	SendFailureAlert(report *models.RunReport) error
}

// HarvesterAgent implements the scheduler.Agent interface
type HarvesterAgent struct {
	config   *config.Config
	flows    []Flow
	aws      *aws.Config
	store    storage.ObjectStore
	engine   catalog.QueryEngine
	client   *youtube.Client
	ledger   *ledger.Ledger
	ingestor *Ingestor
	alerts   alerter
	now      func() time.Time
}

// NewHarvesterAgent creates an agent running flows; no flows means Flows()
func NewHarvesterAgent(cfg *config.Config, flows ...Flow) *HarvesterAgent {
	if len(flows) == 0 {
		flows = Flows()
	}
	return &HarvesterAgent{
		config: cfg,
		flows:  flows,
		now:    time.Now,
	}
}

func (h *HarvesterAgent) Name() string {
	return "YouTube Harvester"
}

func (h *HarvesterAgent) Initialize() error {
	log.Printf("Initializing %s...", h.Name())
	ctx := context.Background()

	if h.aws == nil && (h.store == nil || h.engine == nil) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(h.config.AWS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		h.aws = &awsCfg
		log.Printf("AWS configuration loaded for %s", h.config.AWS.Region)
	}

	if h.store == nil {
		switch h.config.Storage.Backend {
		case "fs":
			h.store = storage.NewFSStore(h.config.Storage.LocalDir)
		default:
			h.store = storage.NewS3Store(s3.NewFromConfig(*h.aws), h.config.AWS.S3Data)
		}
		log.Printf("Object store initialized (%s)", h.store.Location(""))
	}

	if h.engine == nil {
		h.engine = catalog.NewAthena(athena.NewFromConfig(*h.aws), s3.NewFromConfig(*h.aws),
			h.config.AWS.AthenaData, h.config.AWS.S3Admin, h.config.AWS.Workgroup)
		log.Printf("Athena engine initialized for database %s", h.config.AWS.AthenaData)
	}

	if h.client == nil {
		pool := youtube.NewCredentialPool(h.config.YouTube.DeveloperKeys())
		h.client = youtube.NewClient(&h.config.YouTube, pool)
		log.Printf("YouTube client initialized with %d developer keys", pool.Len())
	}

	if h.ledger == nil {
		l, err := ledger.Open(h.config.Ledger.Path)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		h.ledger = l
		log.Printf("Ledger opened at %s", h.config.Ledger.Path)
	}

	if h.alerts == nil && h.config.Email.Enabled() {
		sender, err := email.NewSender(&h.config.Email)
		if err != nil {
			return fmt.Errorf("failed to create email sender: %w", err)
		}
		h.alerts = sender
		log.Printf("Failure alerts will be mailed to %s", h.config.Email.ToEmail)
	}

	if h.ingestor == nil {
		h.ingestor = NewIngestor(
			NewWorkSetResolver(h.engine),
			h.client,
			batch.NewCommitter(h.store),
			newRegistrar(h.config.Storage.Backend, h.engine, h.store),
			h.ledger,
			h.client.Pool(),
			h.config.WorkDir,
		)
	}

	return nil
}

// RunOnce runs every flow in order under one run id. The first failing flow
// aborts the run; flows after it are not attempted.
func (h *HarvesterAgent) RunOnce(ctx context.Context, events *scheduler.AgentEvents) error {
	start := h.now()
	runID := uuid.NewString()
	report := &models.RunReport{RunID: runID, Started: start}
	var metrics HarvestMetrics

	log.Printf("Harvest run %s started with %d flows", runID, len(h.flows))

	for _, flow := range h.flows {
		result, err := h.ingestor.RunFlow(ctx, runID, flow)
		metrics.add(result)
		report.Flows = append(report.Flows, flowReport(result))

		if err != nil {
			err = fmt.Errorf("flow %s failed while %s: %w", flow.Name, result.FailedIn, err)
			report.Error = err.Error()
			h.alert(report, events, start)
			if events != nil && events.OnCriticalFailure != nil {
				events.OnCriticalFailure(err, time.Since(start))
			}
			return err
		}
	}

	log.Printf("Harvest run %s finished: %s", runID, metrics.GetSummary())
	if events != nil && events.OnSuccess != nil {
		events.OnSuccess(metrics, time.Since(start))
	}
	return nil
}

// Register declares the table of every flow with batches committed but never
// registered, then marks them registered.
func (h *HarvesterAgent) Register(ctx context.Context) error {
	pending, err := h.ledger.Unregistered(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		log.Println("All committed batches are registered")
		return nil
	}

	seen := make(map[string]bool)
	for _, e := range pending {
		if seen[e.Flow] {
			continue
		}
		seen[e.Flow] = true

		flow, ok := FlowByName(e.Flow)
		if !ok {
			log.Printf("Warning: batch %s belongs to unknown flow %s, skipping", e.Key, e.Flow)
			continue
		}
		log.Printf("Registering %s for unregistered batch %s", flow.Name, e.Key)
		if err := h.ingestor.Register(ctx, flow); err != nil {
			return fmt.Errorf("failed to register %s: %w", flow.Name, err)
		}
	}
	return nil
}

func (h *HarvesterAgent) Close() error {
	if h.ledger == nil {
		return nil
	}
	return h.ledger.Close()
}

func (h *HarvesterAgent) alert(report *models.RunReport, events *scheduler.AgentEvents, start time.Time) {
	if h.alerts == nil {
		return
	}
	if err := h.alerts.SendFailureAlert(report); err != nil {
		log.Printf("Warning: failed to send failure alert: %v", err)
		if events != nil && events.OnPartialFailure != nil {
			events.OnPartialFailure(fmt.Errorf("failed to send failure alert: %w", err), time.Since(start))
		}
	}
}

// newRegistrar declares tables in the catalog. Batches kept on the local
// filesystem cannot back a catalog table, so registration is skipped for them.
func newRegistrar(backend string, engine catalog.QueryEngine, store storage.ObjectStore) Registrar {
	if backend == "fs" {
		return localRegistrar{}
	}
	return catalog.NewRegistry(engine, store.Location)
}

type localRegistrar struct{}

func (localRegistrar) Register(ctx context.Context, s catalog.Schema) error {
	log.Printf("Skipping registration of %s: batches are stored locally", s.Table)
	return nil
}

func flowReport(r *FlowResult) *models.FlowReport {
	fr := &models.FlowReport{
		Flow:     r.Flow,
		State:    string(r.State),
		WorkSet:  r.WorkSet,
		Fetched:  r.Fetched,
		Empty:    r.Empty,
		Records:  r.Records,
		Duration: r.Duration,
	}
	if r.Commit != nil {
		fr.Key = r.Commit.Key
		fr.Location = r.Commit.Location
	}
	return fr
}
