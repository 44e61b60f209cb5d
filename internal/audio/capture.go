package audio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const (
	// DefaultSampleRate is the recognizer-native capture rate.
	DefaultSampleRate = 16000
	chunkMillis       = 20
	bytesPerSample    = 2 // mono s16
	chunkBacklog      = 128
)

// Format describes the PCM layout a capture stream produces.
type Format struct {
	SampleRate int
}

// ChunkBytes returns the size of one 20ms chunk in this format.
func (f Format) ChunkBytes() int {
	rate := f.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return rate * chunkMillis / 1000 * bytesPerSample
}

// Stats counts PCM accepted from the server and chunks lost to a slow
// consumer.
type Stats struct {
	Bytes   int64
	Dropped int64
}

// Capture streams fixed-size PCM chunks from one Pulse source. Wake-word
// sessions can run for hours, so audio is forwarded and never retained.
type Capture struct {
	device Device
	size   int

	client *pulse.Client
	stream *pulse.RecordStream

	chunks chan []byte
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	partial []byte
	closed  bool
	writers sync.WaitGroup

	bytes   atomic.Int64
	dropped atomic.Int64
}

// StartCapture opens a mono s16 record stream on selected. The stream stops
// when ctx ends or Stop is called.
func StartCapture(ctx context.Context, selected Device, format Format) (*Capture, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}

	source, err := client.SourceByID(selected.ID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w", selected.ID, err)
	}

	if format.SampleRate <= 0 {
		format.SampleRate = DefaultSampleRate
	}
	c := newCapture(selected, format.ChunkBytes())
	c.client = client

	stream, err := client.NewRecord(
		pulse.NewWriter(pcmWriter(c.write), pulseproto.FormatInt16LE),
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(format.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(c.size)),
		pulse.RecordMediaName("kiaanvoice listening"),
	)
	if err != nil {
		_ = c.Stop()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}
	c.stream = stream
	stream.Start()

	context.AfterFunc(ctx, func() { _ = c.Stop() })
	return c, nil
}

func newCapture(device Device, size int) *Capture {
	return &Capture{
		device: device,
		size:   size,
		chunks: make(chan []byte, chunkBacklog),
		done:   make(chan struct{}),
	}
}

func (c *Capture) Device() Device {
	return c.device
}

// Chunks yields PCM in fixed-size slices and is closed by Stop.
func (c *Capture) Chunks() <-chan []byte {
	return c.chunks
}

func (c *Capture) Stats() Stats {
	return Stats{Bytes: c.bytes.Load(), Dropped: c.dropped.Load()}
}

// Stop halts the stream, forwards any short trailing chunk, and closes
// Chunks. It is safe to call more than once.
func (c *Capture) Stop() error {
	c.once.Do(c.stop)
	return nil
}

func (c *Capture) stop() {
	c.mu.Lock()
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}
	c.writers.Wait()

	c.mu.Lock()
	tail := c.partial
	c.partial = nil
	c.mu.Unlock()
	if len(tail) > 0 {
		select {
		case c.chunks <- tail:
		default:
			c.dropped.Add(1)
		}
	}
	close(c.chunks)
}

// write receives raw frames from Pulse. Complete chunks are handed to the
// consumer without blocking; when the backlog is full the chunk is dropped.
func (c *Capture) write(frames []byte) (int, error) {
	if len(frames) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, io.EOF
	}
	c.writers.Add(1)
	defer c.writers.Done()

	c.partial = append(c.partial, frames...)
	var ready [][]byte
	for len(c.partial) >= c.size {
		ready = append(ready, append([]byte(nil), c.partial[:c.size]...))
		c.partial = c.partial[c.size:]
	}
	c.mu.Unlock()

	c.bytes.Add(int64(len(frames)))
	for _, chunk := range ready {
		select {
		case <-c.done:
			return 0, io.EOF
		case c.chunks <- chunk:
		default:
			c.dropped.Add(1)
		}
	}
	return len(frames), nil
}

// pcmWriter adapts a function to io.Writer for pulse.NewWriter.
type pcmWriter func([]byte) (int, error)

func (f pcmWriter) Write(b []byte) (int, error) {
	return f(b)
}
