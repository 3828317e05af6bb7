package pipeline

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"maillog/internal/builder"
	"maillog/internal/input/logfile"
	inputredis "maillog/internal/input/redis"
	"maillog/internal/logger"
	"maillog/internal/metrics"
	"maillog/internal/parse"
	"maillog/internal/rules"
	"maillog/internal/store/postgres"
	"maillog/pkg/models"
)

// StagingStore is the staging-cache contract the orchestrator needs.
type StagingStore interface {
	Get(ctx context.Context, schema, key string) (*models.Record, error)
	Put(ctx context.Context, rec *models.Record) error
}

// RecordStore persists finalized records.
type RecordStore interface {
	SaveRecord(ctx context.Context, rec *models.Record, stager postgres.Stager)
}

// Pipeline correlates tokenized mail-log events into per-transaction
// records and hands finalized ones to the relational store.
type Pipeline struct {
	consumer  *inputredis.Consumer
	tokenizer *parse.Tokenizer
	rules     *rules.Rules
	staging   StagingStore
	store     RecordStore
	schema    string
	workers   int
}

// New creates a pipeline.
func New(consumer *inputredis.Consumer, tokenizer *parse.Tokenizer, r *rules.Rules, staging StagingStore, store RecordStore, schema string, workers int) *Pipeline {
	return &Pipeline{
		consumer:  consumer,
		tokenizer: tokenizer,
		rules:     r,
		staging:   staging,
		store:     store,
		schema:    schema,
		workers:   workers,
	}
}

// Process runs one event through fetch, build, stage and persist. The
// no-queue sentinel never touches the staging store. A staging fault
// abandons the rest of this event's work; the record is rebuilt from the
// source log on replay.
func (p *Pipeline) Process(ctx context.Context, ev models.Event) {
	var prev *models.Record
	if !ev.NoQueue() {
		var err error
		prev, err = p.staging.Get(ctx, p.schema, ev.Key)
		if err != nil {
			metrics.StagingFaults.Inc()
			logger.Fatalf("Fetch staged record %s: %v", ev.Key, err)
			return
		}
	}

	rec := builder.Build(ev, prev, p.rules, p.schema)

	if !ev.NoQueue() {
		if err := p.staging.Put(ctx, rec); err != nil {
			metrics.StagingFaults.Inc()
			logger.Fatalf("Stage record %s: %v", ev.Key, err)
			return
		}
		metrics.RecordsStaged.Inc()
	}

	if rec.Removed && builder.Finalizable(rec) {
		metrics.RecordsFinalized.WithLabelValues(rec.Stage.String()).Inc()
		p.store.SaveRecord(ctx, rec, p.staging)
	}
}

// Run consumes the live Redis feed until the context is canceled.
// Events are routed to workers by transaction key, so all lines of one
// transaction are handled by one worker in arrival order. Without that
// partitioning the get-build-put cycle on the staging store would be
// subject to lost updates.
func (p *Pipeline) Run(ctx context.Context) error {
	logger.Infof("Mail-log pipeline started")

	if p.workers <= 0 {
		p.workers = 4
	}

	partitions := make([]chan models.Event, p.workers)
	for i := range partitions {
		partitions[i] = make(chan models.Event, 256)
	}

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(ch <-chan models.Event) {
			defer wg.Done()
			for ev := range ch {
				p.Process(ctx, ev)
			}
		}(partitions[i])
	}

	p.readLoop(ctx, partitions)

	for _, ch := range partitions {
		close(ch)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pipeline) readLoop(ctx context.Context, partitions []chan models.Event) {
	for {
		payload, err := p.consumer.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("Failed to pop mail-log line: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if payload == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		metrics.LinesConsumed.Inc()
		ev, ok := p.tokenizer.Line(string(payload))
		if !ok {
			metrics.LinesFiltered.Inc()
			continue
		}
		logger.Debugf("%s", payload)
		partitions[partition(ev.Key, len(partitions))] <- ev
	}
}

// Replay feeds rotated log files through the pipeline sequentially,
// preserving per-transaction line order.
func (p *Pipeline) Replay(ctx context.Context, pattern string) error {
	paths, err := logfile.Glob(pattern)
	if err != nil {
		return err
	}

	for _, path := range paths {
		logger.Infof("Replaying %s", path)
		err := logfile.ReadLines(path, func(line string) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			metrics.LinesConsumed.Inc()
			ev, ok := p.tokenizer.Line(line)
			if !ok {
				metrics.LinesFiltered.Inc()
				return nil
			}
			p.Process(ctx, ev)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Close releases input resources.
func (p *Pipeline) Close() error {
	if p.consumer != nil {
		return p.consumer.Close()
	}
	return nil
}

func partition(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
