package buffer

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/pool"
)

// Stage is a pipeline stage
type Stage int

const (
	StageCapture Stage = iota
	StageProcessing
	StageStorage
	stageCount
)

func (s Stage) String() string {
	switch s {
	case StageCapture:
		return "capture"
	case StageProcessing:
		return "processing"
	case StageStorage:
		return "storage"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Channel is an audio channel
type Channel int

const (
	ChannelLeft Channel = iota
	ChannelRight
	channelCount
)

func (c Channel) String() string {
	switch c {
	case ChannelLeft:
		return "left"
	case ChannelRight:
		return "right"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// QueueID names one of the six stage/channel queues
type QueueID struct {
	Stage   Stage
	Channel Channel
}

// Well-known queues
var (
	CaptureLeft     = QueueID{StageCapture, ChannelLeft}
	CaptureRight    = QueueID{StageCapture, ChannelRight}
	ProcessingLeft  = QueueID{StageProcessing, ChannelLeft}
	ProcessingRight = QueueID{StageProcessing, ChannelRight}
	StorageLeft     = QueueID{StageStorage, ChannelLeft}
	StorageRight    = QueueID{StageStorage, ChannelRight}
)

// QueueIDs lists every queue, upstream first
var QueueIDs = []QueueID{CaptureLeft, CaptureRight, ProcessingLeft, ProcessingRight, StorageLeft, StorageRight}

func (q QueueID) String() string {
	return q.Stage.String() + "_" + q.Channel.String()
}

func (q QueueID) index() int {
	return int(q.Stage)*int(channelCount) + int(q.Channel)
}

func (q QueueID) valid() bool {
	return q.Stage >= 0 && q.Stage < stageCount && q.Channel >= 0 && q.Channel < channelCount
}

// ParseQueueID parses names such as "capture_left"
func ParseQueueID(s string) (QueueID, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, id := range QueueIDs {
		if id.String() == name {
			return id, nil
		}
	}
	return QueueID{}, errors.New(ErrUnknownQueue).
		Component(componentName).
		Category(errors.CategoryValidation).
		Context("queue", s).
		Build()
}

// queue is a bounded FIFO of pool buffers
type queue struct {
	id        QueueID
	ch        chan *pool.Buffer
	puts      atomic.Uint64
	gets      atomic.Uint64
	timeouts  atomic.Uint64
	rejected  atomic.Uint64
	drained   atomic.Uint64
	highWater atomic.Int64

	// puts hold gate for reading from the blocked check until the send
	// returns; a flush takes it for writing to wait out in-flight puts
	gate sync.RWMutex
}

func newQueue(id QueueID, depth int) *queue {
	return &queue{id: id, ch: make(chan *pool.Buffer, depth)}
}

func (q *queue) noteDepth() int {
	depth := len(q.ch)
	for {
		hw := q.highWater.Load()
		if int64(depth) <= hw || q.highWater.CompareAndSwap(hw, int64(depth)) {
			return depth
		}
	}
}

// QueueStats is a snapshot of one queue
type QueueStats struct {
	Queue     string `json:"queue"`
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	HighWater int    `json:"high_water"`
	Puts      uint64 `json:"puts"`
	Gets      uint64 `json:"gets"`
	Timeouts  uint64 `json:"timeouts"`
	Rejected  uint64 `json:"rejected"`
	Drained   uint64 `json:"drained"`
}

func (q *queue) stats() QueueStats {
	return QueueStats{
		Queue:     q.id.String(),
		Depth:     len(q.ch),
		Capacity:  cap(q.ch),
		HighWater: int(q.highWater.Load()),
		Puts:      q.puts.Load(),
		Gets:      q.gets.Load(),
		Timeouts:  q.timeouts.Load(),
		Rejected:  q.rejected.Load(),
		Drained:   q.drained.Load(),
	}
}
