package websocket

import (
	scansvc "github.com/openctemio/scanregistry/internal/app/scan"
)

// ScanPublisher fans scan progress events out to the scan's channel and the
// all-scans feed.
type ScanPublisher struct {
	hub *Hub
}

// NewScanPublisher creates a publisher backed by hub.
func NewScanPublisher(hub *Hub) *ScanPublisher {
	return &ScanPublisher{hub: hub}
}

var _ scansvc.ProgressPublisher = (*ScanPublisher)(nil)

// Publish implements scansvc.ProgressPublisher. Heartbeats are not kept as
// the channel's last event so late subscribers see the latest real progress.
func (p *ScanPublisher) Publish(scanID string, event scansvc.ProgressEvent) {
	if event.Type == scansvc.EventHeartbeat {
		p.hub.BroadcastTransient(ScanChannel(scanID), event)
		p.hub.BroadcastTransient(AllScansChannel, event)
		return
	}
	p.hub.BroadcastEvent(ScanChannel(scanID), event)
	p.hub.BroadcastTransient(AllScansChannel, event)
}
