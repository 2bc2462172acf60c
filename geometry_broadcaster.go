package errplot

import (
	"context"
	"fmt"
	"io"
	"runtime/trace"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// GeometryUpdateData is the payload sent to clients: the rebuilt geometry
// plus the hover triples, tagged with a monotonically increasing sequence
// number so consumers can discard stale snapshots.
type GeometryUpdateData struct {
	Seq      uint64
	Geometry Geometry
	Hover    HoverSource
}

// GeometryUpdate is one broadcast unit. Each update carries the full
// geometry snapshot; a final marker update signals the end of the stream.
type GeometryUpdate struct {
	GeometryUpdateData

	streamEnded bool
	streamErr   error
}

// GeometryBroadcaster drives the pipeline: it reads samples from the input,
// maintains the ordered dataset (inserting or replacing by label), rebuilds
// the full geometry after every accepted sample, and fans the resulting
// updates out to registered channels.
type GeometryBroadcaster struct {
	// The sample reader to be read from.
	input SampleReader

	// The optional prior lower axis bound. The suggested bound of every
	// rebuilt geometry is at most this value.
	priorLowerBound *float64

	teeOutput io.Writer

	mutex sync.Mutex
	wg    sync.WaitGroup

	// If the stream is ended or not
	streamEnded atomic.Bool
	err         error // The error emitted by run(), if any. Should be read after streamEnded == true to ensure no data race.

	// These are channels from open websockets where we are sending updates
	// to. Channels should be buffered, to not block the broadcaster.
	channelsForLiveUpdate []chan<- GeometryUpdate

	dataset *Dataset

	// Updates are cumulative snapshots, so the latest one replaces any
	// history. It is sent to channels upon registration; the end marker is
	// cached separately so late clients still see the final geometry.
	latestUpdate *GeometryUpdate
	endUpdate    *GeometryUpdate

	numSamplesRead int
	numRebuilds    uint64

	logger logrus.FieldLogger
}

func NewGeometryBroadcaster(input SampleReader, priorLowerBound *float64, teeOutput io.Writer) *GeometryBroadcaster {
	return &GeometryBroadcaster{
		input: input,

		priorLowerBound: priorLowerBound,
		teeOutput:       teeOutput,

		mutex:                 sync.Mutex{},
		channelsForLiveUpdate: make([]chan<- GeometryUpdate, 0),
		dataset:               &Dataset{},
		numSamplesRead:        0,
		logger:                logrus.WithField("tag", "GeometryBroadcaster"),
	}
}

func (d *GeometryBroadcaster) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := d.run(ctx)

		d.err = err

		// Must set all variables to be read after the broadcaster is complete
		// before this, as this atomic is used to "release" all the other
		// variables (see Golang memory model)
		d.streamEnded.Store(true)

		// Caching the end marker allows newly connected clients to learn that
		// the stream is over.
		d.cacheAndBroadcastUpdate(ctx, GeometryUpdate{
			streamEnded: true,
			streamErr:   err,
		})

		logger := d.logger.WithField("numSamplesRead", d.numSamplesRead)
		if err != nil {
			logger = logger.WithError(err)
		}
		logger.Info("geometry broadcaster stream ended")
	}()
}

func (d *GeometryBroadcaster) Wait() {
	d.wg.Wait()
}

// Register a new channel. Called from the HTTP server when a new websocket
// connection is initiated.
//
// While the mutex is held, no update can be broadcast to the existing
// channels. The cached snapshot (and end marker, if the stream is already
// over) is pushed to the new channel under that same mutex before the
// channel joins the live list, so the client misses no update and sees no
// duplicate. The latency this adds to in-flight broadcasts is accepted, as
// clients connect rarely.
//
//   - ctx: is the HTTP call context.
//   - c: is the channel to send updates on. This should be a buffered channel to ensure the broadcaster is not blocked, as if any channel is blocked, everything is blocked.
func (d *GeometryBroadcaster) RegisterChannel(ctx context.Context, c chan<- GeometryUpdate) {
	traceCtx, task := trace.NewTask(ctx, "RegisterChannel")
	defer task.End()

	trace.WithRegion(traceCtx, "Lock", d.mutex.Lock)
	defer d.mutex.Unlock()

	trace.WithRegion(traceCtx, "pushSnapshotToChannel", func() {
		d.pushSnapshotToChannel(c)
	})

	d.channelsForLiveUpdate = append(d.channelsForLiveUpdate, c)

	d.logger.WithField("channels", len(d.channelsForLiveUpdate)).Info("registered channel")
}

// Deregister a channel. Called when a websocket client disconnects. Note:
// the channel shouldn't be closed until this method returns (if the input is
// still open), as it may cause panics otherwise.
//
//   - ctx: is the HTTP call context.
//   - c: is the same channel as the one passed to RegisterChannel.
func (d *GeometryBroadcaster) DeregisterChannel(ctx context.Context, c chan<- GeometryUpdate) {
	traceCtx, task := trace.NewTask(ctx, "DeregisterChannel")
	defer task.End()

	trace.WithRegion(traceCtx, "Lock", d.mutex.Lock)
	defer d.mutex.Unlock()

	d.channelsForLiveUpdate = Filter(d.channelsForLiveUpdate, func(channel chan<- GeometryUpdate) bool {
		return channel != c
	})
	d.logger.WithField("channels", len(d.channelsForLiveUpdate)).Info("deregistered channel")
}

// StreamEnded reports whether the input stream has ended and, if so, with
// which error.
func (d *GeometryBroadcaster) StreamEnded() (bool, error) {
	if !d.streamEnded.Load() {
		return false, nil
	}

	return true, d.err
}

// LatestUpdate returns the most recently rebuilt snapshot, if any.
func (d *GeometryBroadcaster) LatestUpdate() (GeometryUpdateData, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.latestUpdate == nil {
		return GeometryUpdateData{}, false
	}

	return d.latestUpdate.GeometryUpdateData, true
}

func (d *GeometryBroadcaster) run(ctx context.Context) error {
	var sample Sample
	var err error

	for {
		traceCtx, task := trace.NewTask(ctx, "GeometryBroadcasterLoop")

		trace.WithRegion(traceCtx, "SampleRead", func() {
			sample, err = d.input.Read(traceCtx)
		})

		if err == errIgnoreThisRow {
			task.End()
			continue
		} else if err == io.EOF {
			// The source has ended. We don't want to close the channels or
			// anything like that, because we want to display the final geometry
			// and new browser tabs could come online still.
			task.End()
			return nil
		} else if err != nil {
			task.End()
			return err
		}

		samplesRead.Inc()
		d.numSamplesRead++

		if d.teeOutput != nil {
			dataLine := []string{
				sample.Label,
				fmt.Sprintf("%f", sample.Mean),
				fmt.Sprintf("%f", sample.Error),
			}

			fmt.Fprintln(d.teeOutput, strings.Join(dataLine, ","))
		}

		d.dataset.Upsert(sample)

		update, buildErr := d.rebuild()
		if buildErr != nil {
			// The readers only emit validated samples, so this indicates a bug;
			// keep the stream alive regardless.
			d.logger.WithError(buildErr).Error("geometry rebuild failed")
			task.End()
			continue
		}

		d.cacheAndBroadcastUpdate(traceCtx, update)
		task.End()
	}
}

func (d *GeometryBroadcaster) rebuild() (GeometryUpdate, error) {
	samples := d.dataset.Samples()

	geo, err := BuildGeometry(samples, d.priorLowerBound)
	if err != nil {
		return GeometryUpdate{}, err
	}

	d.numRebuilds++
	geometryRebuilds.Inc()

	return GeometryUpdate{
		GeometryUpdateData: GeometryUpdateData{
			Seq:      d.numRebuilds,
			Geometry: geo,
			Hover:    BuildHoverSource(samples),
		},
	}, nil
}

func (d *GeometryBroadcaster) cacheAndBroadcastUpdate(traceCtx context.Context, update GeometryUpdate) {
	trace.WithRegion(traceCtx, "Lock", d.mutex.Lock)
	defer d.mutex.Unlock()

	d.logger.WithFields(logrus.Fields{
		"seq":     update.Seq,
		"samples": len(update.Geometry.Positions),
	}).Debug("new geometry update")

	trace.WithRegion(traceCtx, "Cache", func() {
		if update.streamEnded {
			d.endUpdate = &update
		} else {
			d.latestUpdate = &update
		}
	})

	trace.WithRegion(traceCtx, "Broadcast", func() {
		for _, c := range d.channelsForLiveUpdate {
			c <- update
		}
	})
}

func (d *GeometryBroadcaster) pushSnapshotToChannel(c chan<- GeometryUpdate) {
	if d.latestUpdate != nil {
		c <- *d.latestUpdate
	}

	if d.endUpdate != nil {
		c <- *d.endUpdate
	}
}
