// Package worker manages the lifecycle of the background jobs.
package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"studylink/internal/consent"
	"studylink/internal/sources"
	"studylink/internal/workers"

	"gorm.io/gorm"
)

// Service owns the background workers and their shared shutdown signal.
type Service struct {
	processor *workers.SourcesProcessor
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	mu        sync.RWMutex
}

// NewService creates the worker service. The sweep interval comes from
// PROCESS_INTERVAL when set.
func NewService(db *gorm.DB, registry *sources.Registry, consents *consent.Service, interval time.Duration) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		processor: workers.NewSourcesProcessor(db, registry, consents, interval),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts all background workers.
func (ws *Service) Start() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.running {
		return nil
	}

	log.Println("Starting background workers...")

	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		ws.processor.Start(ws.ctx)
		<-ws.ctx.Done()
	}()

	ws.running = true
	log.Println("Background workers started successfully")
	return nil
}

// Stop stops all background workers and waits for them to finish.
func (ws *Service) Stop() {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if !ws.running {
		return
	}

	log.Println("Stopping background workers...")
	ws.cancel()
	ws.processor.Stop()
	ws.wg.Wait()
	ws.running = false
	log.Println("Background workers stopped")
}

// IsRunning reports whether the worker service is currently running.
func (ws *Service) IsRunning() bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.running
}
