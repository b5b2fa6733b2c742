// Package dispatch moves encoded media chunks from the capture pipeline to
// the remote channel. Each stream (audio, video) has its own FIFO queue
// drained by a single worker, so chunks reach the channel in production
// order no matter how long any individual encode takes, and capture
// callbacks never block on network I/O.
package dispatch

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"

	"github.com/lucasreed/signstream/internal/live"
	"github.com/lucasreed/signstream/internal/media"
	"github.com/lucasreed/signstream/internal/metrics"
)

const defaultQueueDepth = 64

// Sender is the outbound side of the remote channel.
type Sender interface {
	SendMedia(mimeType, b64 string) error
}

// Dispatcher owns the two per-stream send queues.
type Dispatcher struct {
	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Metrics

	audioQ chan media.AudioChunk
	videoQ chan media.VideoChunk

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New starts the audio and video workers.
func New(sender Sender, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sender:  sender,
		logger:  logger,
		metrics: m,
		audioQ:  make(chan media.AudioChunk, defaultQueueDepth),
		videoQ:  make(chan media.VideoChunk, defaultQueueDepth),
		closed:  make(chan struct{}),
	}
	d.wg.Add(2)
	go d.audioWorker()
	go d.videoWorker()
	return d
}

// EnqueueAudio queues a captured audio block for encoding and transmission.
// Never blocks: if the queue is saturated the chunk is dropped and counted.
func (d *Dispatcher) EnqueueAudio(chunk media.AudioChunk) {
	select {
	case <-d.closed:
		d.metrics.RecordSendDroppedClosed()
	case d.audioQ <- chunk:
	default:
		d.metrics.RecordQueueFullDrop("audio")
	}
}

// EnqueueVideo queues a captured frame for transmission.
func (d *Dispatcher) EnqueueVideo(chunk media.VideoChunk) {
	select {
	case <-d.closed:
		d.metrics.RecordSendDroppedClosed()
	case d.videoQ <- chunk:
	default:
		d.metrics.RecordQueueFullDrop("video")
	}
}

// Close stops both workers. Chunks still queued are discarded; in-flight
// sends finish or fall into the silent late-send drop path.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
	})
	d.wg.Wait()
}

func (d *Dispatcher) audioWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.closed:
			return
		case chunk := <-d.audioQ:
			b64 := base64.StdEncoding.EncodeToString(media.PCM16Bytes(chunk.Samples))
			d.send(media.MimeAudioPCM16k, b64)
			d.metrics.RecordAudioChunkSent()
		}
	}
}

func (d *Dispatcher) videoWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.closed:
			return
		case chunk := <-d.videoQ:
			b64 := base64.StdEncoding.EncodeToString(chunk.Bytes)
			d.send(chunk.MimeType, b64)
			d.metrics.RecordVideoChunkSent()
		}
	}
}

// send transmits one encoded chunk. A send that fails because the session
// was already torn down is dropped silently; the session is gone, there is
// nobody to surface the error to.
func (d *Dispatcher) send(mimeType, b64 string) {
	if err := d.sender.SendMedia(mimeType, b64); err != nil {
		if errors.Is(err, live.ErrClosed) {
			d.metrics.RecordSendDroppedClosed()
			return
		}
		d.logger.Warn("send failed", "mime", mimeType, "error", err)
	}
}
