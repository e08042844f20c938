package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"emberchat/internal/generate"
	"emberchat/internal/memory"
	"emberchat/internal/metrics"
	"emberchat/internal/queue"
	"emberchat/internal/translate"
)

type Worker struct {
	queue         *queue.StreamQueue
	generator     *generate.Service
	extractor     *memory.Extractor
	translator    *translate.Service
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Queue         *queue.StreamQueue
	Generator     *generate.Service
	Extractor     *memory.Extractor
	Translator    *translate.Service
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		queue:         cfg.Queue,
		generator:     cfg.Generator,
		extractor:     cfg.Extractor,
		translator:    cfg.Translator,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := w.processJob(ctx, msg.Job)
			if err == nil {
				w.metrics.ProcessedJobs.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			w.metrics.FailedJobs.Inc()
			log.Error().Err(err).
				Str("job_id", msg.Job.JobID).
				Str("kind", string(msg.Job.Kind)).
				Int("attempt", msg.Job.Attempts).
				Msg("job failed")

			// Chargeable jobs already reconciled the ledger and resolved
			// their placeholder; a retry would charge the user again. Only
			// the free background tasks go around again.
			if !msg.Job.Chargeable() && msg.Job.Attempts < w.maxJobRetries {
				msg.Job.Attempts++
				if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
					continue
				}
			}
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack failed message")
			}
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case queue.KindText:
		return w.generator.ProcessText(ctx, job)
	case queue.KindImage:
		return w.generator.ProcessImage(ctx, job)
	case queue.KindMemory:
		return w.extractor.Process(ctx, job.UserID, job.CharacterID, job.ChatID)
	case queue.KindTranslate:
		return w.translator.Process(ctx, job.MessageID, job.Locale)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}
