package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vigilexam/vigil-backend/internal/config"
	"github.com/vigilexam/vigil-backend/internal/model"
	"github.com/vigilexam/vigil-backend/internal/repository"
)

const (
	alertBatchSize    = 50
	alertBatchTimeout = 2 * time.Second
	alertPollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// AlertWorker drains retry_alerts_queue: alerts that could not be inserted
// synchronously are re-inserted in batches. The original reported_at travels
// with the payload, so a retried alert keeps its true report time.
type AlertWorker struct {
	alertRepo *repository.AlertRepository
	rdb       *redis.Client
	log       zerolog.Logger
}

// NewAlertWorker creates a new AlertWorker.
func NewAlertWorker(alertRepo *repository.AlertRepository, rdb *redis.Client, log zerolog.Logger) *AlertWorker {
	return &AlertWorker{
		alertRepo: alertRepo,
		rdb:       rdb,
		log:       log.With().Str("component", "alert_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *AlertWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	buffer := make([]model.AlertRecord, 0, alertBatchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 {
			if len(buffer) >= alertBatchSize || time.Since(lastFlush) >= alertBatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlush = time.Now()
			}
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, alertPollTimeout, config.WorkerKey.RetryAlertsQueue).Result()
		if err != nil {
			if err == redis.Nil {
				continue // Queue empty, loop back to check flush timer.
			}
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}

		if len(result) < 2 {
			continue
		}

		var record model.AlertRecord
		if err := json.Unmarshal([]byte(result[1]), &record); err != nil {
			// Malformed JSON cannot be retried. Log and discard.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed alert")
			continue
		}

		buffer = append(buffer, record)
	}
}

// flushSafe attempts bulk insert, then row-by-row fallback, then requeue.
func (w *AlertWorker) flushSafe(ctx context.Context, batch []model.AlertRecord) {
	if _, err := w.alertRepo.BulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
		return
	}
	w.log.Debug().Int("count", len(batch)).Msg("Alert batch flushed")
}

func (w *AlertWorker) fallbackInsert(ctx context.Context, batch []model.AlertRecord) {
	var requeueList []model.AlertRecord

	for i := range batch {
		if _, err := w.alertRepo.BulkInsert(ctx, batch[i:i+1]); err != nil {
			w.log.Error().Err(err).
				Int("student_id", batch[i].StudentID).
				Msg("Insert failed, requeueing")
			requeueList = append(requeueList, batch[i])
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *AlertWorker) requeue(ctx context.Context, items []model.AlertRecord) {
	pipe := w.rdb.Pipeline()
	for i := range items {
		data, _ := json.Marshal(items[i])
		pipe.RPush(ctx, config.WorkerKey.RetryAlertsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue alerts to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed alerts back to Redis")
	// Back off so a hard-down database is not hammered.
	time.Sleep(2 * time.Second)
}

func (w *AlertWorker) shutdown(buffer []model.AlertRecord) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
