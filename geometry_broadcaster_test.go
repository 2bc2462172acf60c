package errplot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"
)

// testSampleReader replays canned samples or errors with an optional delay
// before each item. Once exhausted it returns io.EOF.
type testSampleReader struct {
	items []interface{} // Sample or error
	idx   int
	delay time.Duration
}

func newTestReaderFromSamples(samples []Sample, delay time.Duration) *testSampleReader {
	items := make([]interface{}, len(samples))
	for i, s := range samples {
		items[i] = s
	}
	return newTestReaderFromItems(items, delay)
}

func newTestReaderFromItems(items []interface{}, delay time.Duration) *testSampleReader {
	return &testSampleReader{items: items, delay: delay}
}

func (r *testSampleReader) Read(ctx context.Context) (Sample, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	if r.idx >= len(r.items) {
		return Sample{}, io.EOF
	}

	item := r.items[r.idx]
	r.idx++

	switch v := item.(type) {
	case Sample:
		return v, nil
	case error:
		return Sample{}, v
	default:
		panic("testSampleReader items must be Samples or errors")
	}
}

// blockingSampleReader blocks in Read until Proceed is called, once per item
// and once more for the final io.EOF. This lets tests single-step the
// broadcaster.
type blockingSampleReader struct {
	samples []Sample
	idx     int
	proceed chan struct{}
}

func newBlockingSampleReader(samples ...Sample) *blockingSampleReader {
	return &blockingSampleReader{samples: samples, proceed: make(chan struct{})}
}

func (r *blockingSampleReader) Proceed() {
	r.proceed <- struct{}{}
}

func (r *blockingSampleReader) Read(ctx context.Context) (Sample, error) {
	<-r.proceed

	if r.idx >= len(r.samples) {
		return Sample{}, io.EOF
	}

	s := r.samples[r.idx]
	r.idx++
	return s, nil
}

// collectFromChannels drains each channel in its own goroutine until the end
// marker arrives or the timeout expires, then returns what each channel saw.
func collectFromChannels(timeout time.Duration, channels ...<-chan GeometryUpdate) [][]GeometryUpdate {
	wg := sync.WaitGroup{}
	result := make([][]GeometryUpdate, len(channels))

	for i, c := range channels {
		wg.Add(1)
		go func(i int, c <-chan GeometryUpdate) {
			defer wg.Done()
			for {
				select {
				case update := <-c:
					result[i] = append(result[i], update)
					if update.streamEnded {
						return
					}
				case <-time.After(timeout):
					return
				}
			}
		}(i, c)
	}

	wg.Wait()
	return result
}

// extractDatas strips the end marker and returns the snapshot payloads.
func extractDatas(updates []GeometryUpdate) []GeometryUpdateData {
	datas := make([]GeometryUpdateData, 0, len(updates))
	for _, u := range updates {
		if u.streamEnded {
			continue
		}
		datas = append(datas, u.GeometryUpdateData)
	}
	return datas
}

func recvUpdate(t *testing.T, c <-chan GeometryUpdate, timeout time.Duration) GeometryUpdate {
	t.Helper()

	select {
	case update := <-c:
		return update
	case <-time.After(timeout):
		t.Fatal("timed out waiting for update")
		return GeometryUpdate{}
	}
}

// snapshotAfter builds the update payload expected once exactly these samples
// are in the dataset.
func snapshotAfter(t *testing.T, samples []Sample, seq uint64) GeometryUpdateData {
	t.Helper()

	geo, err := BuildGeometry(samples, nil)
	if err != nil {
		t.Fatalf("BuildGeometry() error = %v", err)
	}

	return GeometryUpdateData{
		Seq:      seq,
		Geometry: geo,
		Hover:    BuildHoverSource(samples),
	}
}

func TestGeometryBroadcaster(t *testing.T) {
	ctx := context.Background()

	sampleA := Sample{Label: "A", Mean: 50, Error: 5}
	sampleB := Sample{Label: "B", Mean: 42, Error: 3}
	sampleC := Sample{Label: "C", Mean: 60, Error: 2}

	t.Run("ForwardingAndOrdering", func(t *testing.T) {
		reader := newTestReaderFromSamples([]Sample{sampleA, sampleB, sampleC}, 0)
		broadcaster := NewGeometryBroadcaster(reader, nil, nil)

		channel := make(chan GeometryUpdate, 10)
		broadcaster.RegisterChannel(ctx, channel)

		broadcaster.Start(ctx)
		results := collectFromChannels(2*time.Second, channel)
		broadcaster.Wait()

		updates := results[0]
		if len(updates) != 4 {
			t.Fatalf("received %d updates, want 4 (3 snapshots + end marker)", len(updates))
		}

		expected := []GeometryUpdateData{
			snapshotAfter(t, []Sample{sampleA}, 1),
			snapshotAfter(t, []Sample{sampleA, sampleB}, 2),
			snapshotAfter(t, []Sample{sampleA, sampleB, sampleC}, 3),
		}
		if !reflect.DeepEqual(extractDatas(updates), expected) {
			t.Errorf("snapshots do not match.\nGot:  %+v\nWant: %+v", extractDatas(updates), expected)
		}

		last := updates[len(updates)-1]
		if !last.streamEnded || last.streamErr != nil {
			t.Errorf("last update = %+v, want clean end marker", last)
		}
	})

	t.Run("ReplaceByLabelRebuilds", func(t *testing.T) {
		replacement := Sample{Label: "A", Mean: 55, Error: 4}
		reader := newTestReaderFromSamples([]Sample{sampleA, sampleB, replacement}, 0)
		broadcaster := NewGeometryBroadcaster(reader, nil, nil)

		channel := make(chan GeometryUpdate, 10)
		broadcaster.RegisterChannel(ctx, channel)

		broadcaster.Start(ctx)
		results := collectFromChannels(2*time.Second, channel)
		broadcaster.Wait()

		datas := extractDatas(results[0])
		if len(datas) != 3 {
			t.Fatalf("received %d snapshots, want 3", len(datas))
		}

		final := datas[2]
		expected := snapshotAfter(t, []Sample{replacement, sampleB}, 3)
		if !reflect.DeepEqual(final, expected) {
			t.Errorf("final snapshot = %+v, want %+v (A replaced in place)", final, expected)
		}
	})

	t.Run("PriorLowerBoundApplied", func(t *testing.T) {
		reader := newTestReaderFromSamples([]Sample{sampleA}, 0)
		broadcaster := NewGeometryBroadcaster(reader, floatPtr(30), nil)

		broadcaster.Start(ctx)
		broadcaster.Wait()

		data, ok := broadcaster.LatestUpdate()
		if !ok {
			t.Fatal("LatestUpdate() returned no snapshot")
		}
		if data.Geometry.SuggestedLowerBound != 30 {
			t.Errorf("SuggestedLowerBound = %v, want 30", data.Geometry.SuggestedLowerBound)
		}
	})

	t.Run("RegisterSecondChannelAfterOneMessage", func(t *testing.T) {
		reader := newBlockingSampleReader(sampleA, sampleB)
		broadcaster := NewGeometryBroadcaster(reader, nil, nil)

		channel1 := make(chan GeometryUpdate, 10)
		broadcaster.RegisterChannel(ctx, channel1)

		broadcaster.Start(ctx)

		reader.Proceed()
		first := recvUpdate(t, channel1, 2*time.Second)
		expectedFirst := snapshotAfter(t, []Sample{sampleA}, 1)
		if !reflect.DeepEqual(first.GeometryUpdateData, expectedFirst) {
			t.Errorf("first update = %+v, want %+v", first.GeometryUpdateData, expectedFirst)
		}

		// The first snapshot is cached before it is sent, so by now
		// registration must replay it to the new channel.
		channel2 := make(chan GeometryUpdate, 10)
		broadcaster.RegisterChannel(ctx, channel2)

		replayed := recvUpdate(t, channel2, 2*time.Second)
		if !reflect.DeepEqual(replayed.GeometryUpdateData, expectedFirst) {
			t.Errorf("replayed update = %+v, want %+v", replayed.GeometryUpdateData, expectedFirst)
		}

		reader.Proceed()
		expectedSecond := snapshotAfter(t, []Sample{sampleA, sampleB}, 2)
		for _, c := range []<-chan GeometryUpdate{channel1, channel2} {
			update := recvUpdate(t, c, 2*time.Second)
			if !reflect.DeepEqual(update.GeometryUpdateData, expectedSecond) {
				t.Errorf("second update = %+v, want %+v", update.GeometryUpdateData, expectedSecond)
			}
		}

		reader.Proceed()
		for _, c := range []<-chan GeometryUpdate{channel1, channel2} {
			update := recvUpdate(t, c, 2*time.Second)
			if !update.streamEnded {
				t.Errorf("update = %+v, want end marker", update)
			}
		}
		broadcaster.Wait()
	})

	t.Run("DeregisterSingleChannel", func(t *testing.T) {
		reader := newBlockingSampleReader(sampleA, sampleB)
		broadcaster := NewGeometryBroadcaster(reader, nil, nil)

		channel := make(chan GeometryUpdate, 10)
		broadcaster.RegisterChannel(ctx, channel)

		broadcaster.Start(ctx)

		reader.Proceed()
		recvUpdate(t, channel, 2*time.Second)

		broadcaster.DeregisterChannel(ctx, channel)

		reader.Proceed()
		reader.Proceed()
		broadcaster.Wait()

		select {
		case update := <-channel:
			t.Errorf("received %+v after deregistration", update)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("IgnoreThisRowIsSkipped", func(t *testing.T) {
		reader := newTestReaderFromItems([]interface{}{sampleA, errIgnoreThisRow, sampleB}, 0)
		broadcaster := NewGeometryBroadcaster(reader, nil, nil)

		channel := make(chan GeometryUpdate, 10)
		broadcaster.RegisterChannel(ctx, channel)

		broadcaster.Start(ctx)
		results := collectFromChannels(2*time.Second, channel)
		broadcaster.Wait()

		datas := extractDatas(results[0])
		if len(datas) != 2 {
			t.Fatalf("received %d snapshots, want 2 (ignored row emits nothing)", len(datas))
		}
		if datas[0].Seq != 1 || datas[1].Seq != 2 {
			t.Errorf("seqs = %d,%d, want 1,2", datas[0].Seq, datas[1].Seq)
		}
	})

	t.Run("UnderlyingErrorEndsStreamWithError", func(t *testing.T) {
		boom := errors.New("boom")
		reader := newTestReaderFromItems([]interface{}{sampleA, boom}, 0)
		broadcaster := NewGeometryBroadcaster(reader, nil, nil)

		channel := make(chan GeometryUpdate, 10)
		broadcaster.RegisterChannel(ctx, channel)

		broadcaster.Start(ctx)

		var marker GeometryUpdate
		for update := range channel {
			if update.streamEnded {
				marker = update
				break
			}
		}

		if !errors.Is(marker.streamErr, boom) {
			t.Errorf("streamErr = %v, want boom", marker.streamErr)
		}

		broadcaster.Wait()
		ended, err := broadcaster.StreamEnded()
		if !ended || !errors.Is(err, boom) {
			t.Errorf("StreamEnded() = %v, %v, want true, boom", ended, err)
		}
	})

	t.Run("LateRegisterGetsLatestSnapshotOnly", func(t *testing.T) {
		reader := newTestReaderFromSamples([]Sample{sampleA, sampleB, sampleC}, 0)
		broadcaster := NewGeometryBroadcaster(reader, nil, nil)

		broadcaster.Start(ctx)
		broadcaster.Wait()

		channel := make(chan GeometryUpdate, 10)
		broadcaster.RegisterChannel(ctx, channel)

		snapshot := recvUpdate(t, channel, 2*time.Second)
		expected := snapshotAfter(t, []Sample{sampleA, sampleB, sampleC}, 3)
		if !reflect.DeepEqual(snapshot.GeometryUpdateData, expected) {
			t.Errorf("snapshot = %+v, want final geometry %+v", snapshot.GeometryUpdateData, expected)
		}

		marker := recvUpdate(t, channel, 2*time.Second)
		if !marker.streamEnded || marker.streamErr != nil {
			t.Errorf("marker = %+v, want clean end marker", marker)
		}

		select {
		case update := <-channel:
			t.Errorf("received unexpected update %+v", update)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("NoStateBeforeStart", func(t *testing.T) {
		broadcaster := NewGeometryBroadcaster(newTestReaderFromSamples(nil, 0), nil, nil)

		ended, err := broadcaster.StreamEnded()
		if ended || err != nil {
			t.Errorf("StreamEnded() = %v, %v, want false, nil", ended, err)
		}
		if _, ok := broadcaster.LatestUpdate(); ok {
			t.Error("LatestUpdate() reported a snapshot before any data")
		}
	})

	t.Run("EmptyStreamEndsCleanly", func(t *testing.T) {
		broadcaster := NewGeometryBroadcaster(newTestReaderFromSamples(nil, 0), nil, nil)

		broadcaster.Start(ctx)
		broadcaster.Wait()

		ended, err := broadcaster.StreamEnded()
		if !ended || err != nil {
			t.Errorf("StreamEnded() = %v, %v, want true, nil", ended, err)
		}
		if _, ok := broadcaster.LatestUpdate(); ok {
			t.Error("LatestUpdate() reported a snapshot for an empty stream")
		}

		channel := make(chan GeometryUpdate, 10)
		broadcaster.RegisterChannel(ctx, channel)

		marker := recvUpdate(t, channel, 2*time.Second)
		if !marker.streamEnded {
			t.Errorf("update = %+v, want end marker only", marker)
		}
	})

	t.Run("TeeOutput", func(t *testing.T) {
		samples := []Sample{
			{Label: "alpha", Mean: 1.5, Error: 0.25},
			{Label: "beta", Mean: 2, Error: 0},
		}
		buf := &bytes.Buffer{}
		broadcaster := NewGeometryBroadcaster(newTestReaderFromSamples(samples, 0), nil, buf)

		broadcaster.Start(ctx)
		broadcaster.Wait()

		expected := "alpha,1.500000,0.250000\nbeta,2.000000,0.000000\n"
		if buf.String() != expected {
			t.Errorf("tee output = %q, want %q", buf.String(), expected)
		}
	})

	t.Run("MultipleChannelsReceiveSameData", func(t *testing.T) {
		reader := newTestReaderFromSamples([]Sample{sampleA, sampleB}, 0)
		broadcaster := NewGeometryBroadcaster(reader, nil, nil)

		channel1 := make(chan GeometryUpdate, 10)
		channel2 := make(chan GeometryUpdate, 10)
		broadcaster.RegisterChannel(ctx, channel1)
		broadcaster.RegisterChannel(ctx, channel2)

		broadcaster.Start(ctx)
		results := collectFromChannels(2*time.Second, channel1, channel2)
		broadcaster.Wait()

		if len(results[0]) != 3 {
			t.Fatalf("channel 1 received %d updates, want 3", len(results[0]))
		}
		if !reflect.DeepEqual(results[0], results[1]) {
			t.Errorf("channels disagree.\nch1: %+v\nch2: %+v", results[0], results[1])
		}
	})
}
