// Package poller is the safety net for a dead live channel: it fetches
// the room's full message list on an interval and hands it over as a
// snapshot.
package poller

import (
	"context"
	"log"
	"time"

	"github.com/salachat/client-go/pkg/model"
)

// Fetcher is the request/response source of full room snapshots.
type Fetcher interface {
	Messages(ctx context.Context, roomID int64) ([]model.Message, error)
}

// Poller fetches while active and stays silent otherwise. It holds no
// message history; the reconciler owns all merge state. Start and Stop
// are called from the session loop only, never concurrently.
type Poller struct {
	fetch     Fetcher
	snapshots chan []model.Message
	cancel    context.CancelFunc
}

func New(fetch Fetcher) *Poller {
	return &Poller{
		fetch:     fetch,
		snapshots: make(chan []model.Message, 4),
	}
}

// Snapshots delivers the full ordered result of each successful poll.
func (p *Poller) Snapshots() <-chan []model.Message { return p.snapshots }

// Start begins polling roomID every interval. A running poller is
// stopped first.
func (p *Poller) Start(ctx context.Context, roomID int64, interval time.Duration) {
	p.Stop()
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.run(ctx, roomID, interval)
}

// Stop halts polling and cancels any in-flight fetch.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// Active reports whether the poller is currently running.
func (p *Poller) Active() bool { return p.cancel != nil }

func (p *Poller) run(ctx context.Context, roomID int64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := p.fetch.Messages(ctx, roomID)
			if err != nil {
				// A failed poll must not stop the next one.
				log.Printf("poller: fetch room %d: %v", roomID, err)
				continue
			}
			select {
			case p.snapshots <- msgs:
			case <-ctx.Done():
				return
			}
		}
	}
}
