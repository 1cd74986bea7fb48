// Package workers holds the periodic background jobs.
package workers

import (
	"context"
	"log"
	"sync"
	"time"

	"studylink/internal/consent"
	"studylink/internal/models"
	"studylink/internal/sources"

	"gorm.io/gorm"
)

// SourcesProcessor periodically advances every source that is not yet
// active: pending device confirmations and portability export pipelines.
// Exactly one processor instance runs per deployment; the sweep itself is
// sequential, one source at a time.
type SourcesProcessor struct {
	db       *gorm.DB
	registry *sources.Registry
	consents *consent.Service
	interval time.Duration
	ticker   *time.Ticker
	stopChan chan bool
	sweeping sync.Mutex
}

// NewSourcesProcessor creates the processor.
func NewSourcesProcessor(db *gorm.DB, registry *sources.Registry, consents *consent.Service, interval time.Duration) *SourcesProcessor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SourcesProcessor{
		db:       db,
		registry: registry,
		consents: consents,
		interval: interval,
		stopChan: make(chan bool),
	}
}

// Start begins the periodic sweep.
func (p *SourcesProcessor) Start(ctx context.Context) {
	p.ticker = time.NewTicker(p.interval)
	log.Printf("🔄 Starting sources processor (sweep every %v)", p.interval)

	go func() {
		if err := p.Sweep(ctx); err != nil {
			log.Printf("❌ Error in initial sources sweep: %v", err)
		}
		for {
			select {
			case <-ctx.Done():
				log.Printf("🛑 Sources processor stopping due to context cancellation")
				return
			case <-p.stopChan:
				log.Printf("🛑 Sources processor stopping")
				return
			case <-p.ticker.C:
				if err := p.Sweep(ctx); err != nil {
					log.Printf("❌ Error in sources sweep: %v", err)
				}
			}
		}
	}()
}

// Stop stops the processor.
func (p *SourcesProcessor) Stop() {
	if p.ticker != nil {
		p.ticker.Stop()
	}
	close(p.stopChan)
	log.Printf("✅ Sources processor stopped")
}

// Sweep processes every non-active source once. A concurrent call while a
// sweep is in flight returns immediately.
func (p *SourcesProcessor) Sweep(ctx context.Context) error {
	if !p.sweeping.TryLock() {
		return nil
	}
	defer p.sweeping.Unlock()

	var pending []models.DataSource
	err := p.db.WithContext(ctx).
		Where("status <> ?", models.StatusActive).
		Order("updated_at ASC").
		Find(&pending).Error
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	log.Printf("Processing %d pending sources", len(pending))
	for i := range pending {
		p.processOne(ctx, &pending[i])
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// processOne advances a single source. A panic or error here is contained:
// the sweep moves on to the next source.
func (p *SourcesProcessor) processOne(ctx context.Context, source *models.DataSource) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic while processing source %s: %v", source.ID, r)
		}
	}()

	adapter, err := p.registry.AdapterFor(source)
	if err != nil {
		log.Printf("Skipping source %s: %v", source.ID, err)
		return
	}

	done, message := adapter.Process(ctx, source)
	if message != "" {
		log.Printf("Source %s (%s): %s", source.ID, source.Type, message)
	}
	if !done {
		return
	}

	// The source may have just gone active; linked consents need their
	// completeness recomputed.
	if err := p.consents.RefreshForSource(ctx, source); err != nil {
		log.Printf("Failed to refresh consents for source %s: %v", source.ID, err)
	}
}
