package grid

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-playground/assert/v2"
)

const testRowSize = 26
const testTotalRows = 40_000_000

type testConnection struct {
	handler ConnectionHandler

	mutex  sync.Mutex
	closed bool
	sent   chan string
}

func (self *testConnection) Send(message []byte) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return false
	}
	select {
	case self.sent <- string(message):
		return true
	default:
		return false
	}
}

func (self *testConnection) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.closed = true
}

func (self *testConnection) IsClosed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.closed
}

func (self *testConnection) emit(event ConnectionEvent) {
	self.handler(event)
}

func (self *testConnection) emitText(text string) {
	self.handler(ConnectionMessage{
		MessageType: websocket.TextMessage,
		Data:        []byte(text),
	})
}

// returns the next sent message, or fails
func (self *testConnection) nextSent(t *testing.T, timeout time.Duration) string {
	select {
	case message := <-self.sent:
		return message
	case <-time.After(timeout):
		t.Fatal("no message sent")
		return ""
	}
}

func (self *testConnection) assertNoneSent(t *testing.T, timeout time.Duration) {
	select {
	case message := <-self.sent:
		t.Fatalf("unexpected message sent %s", message)
	case <-time.After(timeout):
	}
}

type testConnector struct {
	connections chan *testConnection
}

func newTestConnector() *testConnector {
	return &testConnector{
		connections: make(chan *testConnection, 16),
	}
}

func (self *testConnector) connect(ctx context.Context, url string, handler ConnectionHandler) Connection {
	connection := &testConnection{
		handler: handler,
		sent:    make(chan string, 1024),
	}
	self.connections <- connection
	return connection
}

type testRowCache struct {
	loop       *EventLoop
	rowCache   *RowCache
	connector  *testConnector
	connection *testConnection
	changes    chan ChangeEvent
	cancel     context.CancelFunc
}

func newTestRowCache(t *testing.T, settings *RowCacheSettings) *testRowCache {
	return newTestRowCacheWithSize(t, settings, testRowSize, testTotalRows)
}

func newTestRowCacheWithSize(t *testing.T, settings *RowCacheSettings, width int, height int) *testRowCache {
	ctx, cancel := context.WithCancel(context.Background())

	loop := NewEventLoopWithDefaults(ctx)
	go loop.Run()

	connector := newTestConnector()
	settings.Connect = connector.connect

	changes := make(chan ChangeEvent, 1024)
	var rowCache *RowCache
	err := loop.Call(func() {
		rowCache = NewRowCache(ctx, loop, "http://localhost:3000/api/spreadsheet", width, height, settings)
		rowCache.AddChangeCallback(func(event ChangeEvent) {
			changes <- event
		})
	})
	assert.Equal(t, err, nil)

	return &testRowCache{
		loop:       loop,
		rowCache:   rowCache,
		connector:  connector,
		connection: <-connector.connections,
		changes:    changes,
		cancel:     cancel,
	}
}

func (self *testRowCache) call(f func(rowCache *RowCache)) {
	self.loop.Call(func() {
		f(self.rowCache)
	})
}

func (self *testRowCache) stats() (stats RowCacheStats) {
	self.call(func(rowCache *RowCache) {
		stats = rowCache.Stats()
	})
	return
}

// opens the connection and consumes the bootstrap request
func (self *testRowCache) open(t *testing.T) {
	self.connection.emit(ConnectionOpened{})
	assert.Equal(t, self.connection.nextSent(t, time.Second), `{"from":0,"to":2600}`)
	assert.Equal(t, self.nextChange(t), ChangeEvent{Kind: ChangeConnectionOpen})
}

func (self *testRowCache) nextChange(t *testing.T) ChangeEvent {
	select {
	case event := <-self.changes:
		return event
	case <-time.After(time.Second):
		t.Fatal("no change")
		return ChangeEvent{}
	}
}

func (self *testRowCache) Close() {
	self.call(func(rowCache *RowCache) {
		rowCache.Close()
	})
	self.loop.Close()
	self.cancel()
}

func fetchMessage(start uint64, end uint64) string {
	return fmt.Sprintf(`{"from":%d,"to":%d}`, start, end)
}

func TestRowCacheRowCount(t *testing.T) {
	c := newTestRowCache(t, DefaultRowCacheSettings())
	defer c.Close()

	c.call(func(rowCache *RowCache) {
		assert.Equal(t, rowCache.RowCount(), testTotalRows)
		assert.Equal(t, rowCache.RowSize(), testRowSize)
	})
}

func TestRowCacheFirstRow(t *testing.T) {
	c := newTestRowCache(t, DefaultRowCacheSettings())
	defer c.Close()

	c.call(func(rowCache *RowCache) {
		row := rowCache.RowData(0)
		assert.Equal(t, row.Len(), testRowSize)
		for col := range testRowSize {
			cellContent := row.Cell(col)
			assert.Equal(t, cellContent.Id(), uint64(col))
			assert.Equal(t, cellContent.IsEmpty(), true)
		}

		currentRange, ok := rowCache.CurrentRange()
		assert.Equal(t, ok, true)
		assert.Equal(t, currentRange, FetchRange{Start: 0, End: 2600})
	})

	c.open(t)
	// the debounced fetch for the window around row 0
	assert.Equal(t, c.connection.nextSent(t, time.Second), fetchMessage(0, 2600))
	c.connection.assertNoneSent(t, 200*time.Millisecond)

	stats := c.stats()
	assert.Equal(t, stats.Misses, uint64(1))
	assert.Equal(t, stats.FetchesSent, uint64(1))
	assert.Equal(t, stats.ResidentRows, 1)
}

func TestRowCacheEveryRowHasRowSize(t *testing.T) {
	c := newTestRowCache(t, DefaultRowCacheSettings())
	defer c.Close()

	c.call(func(rowCache *RowCache) {
		rows := []int{0, 1, 99, 100, 12345, testTotalRows / 2, testTotalRows - 1}
		for _, r := range rows {
			row := rowCache.RowData(r)
			assert.Equal(t, row.Len(), testRowSize)
			assert.Equal(t, row.Cell(0).Id(), uint64(r)*testRowSize)
			assert.Equal(t, row.Cell(testRowSize-1).Id(), uint64(r)*testRowSize+testRowSize-1)
		}

		// outside the grid, a detached row whose cells carry no id
		for _, r := range []int{-3, -1, testTotalRows, testTotalRows + 5} {
			row := rowCache.RowData(r)
			assert.Equal(t, row.Len(), testRowSize)
			for col := range testRowSize {
				assert.Equal(t, row.Cell(col), CellContent{})
			}
			_, ok := rowCache.PeekRow(r)
			assert.Equal(t, ok, false)
		}
		assert.Equal(t, len(rowCache.ResidentRows()), len(rows))
	})
}

func TestRowCacheHitReturnsSameRow(t *testing.T) {
	c := newTestRowCache(t, DefaultRowCacheSettings())
	defer c.Close()

	c.call(func(rowCache *RowCache) {
		a := rowCache.RowData(7)
		b := rowCache.RowData(7)
		assert.Equal(t, a == b, true)

		stats := rowCache.Stats()
		assert.Equal(t, stats.Hits, uint64(1))
		assert.Equal(t, stats.Misses, uint64(1))
	})
}

func TestRowCacheDebounceCoalescesFetches(t *testing.T) {
	c := newTestRowCache(t, DefaultRowCacheSettings())
	defer c.Close()

	c.open(t)

	c.call(func(rowCache *RowCache) {
		rowCache.RowData(5)
		currentRange, _ := rowCache.CurrentRange()
		assert.Equal(t, currentRange, FetchRange{Start: 0, End: 105 * testRowSize})

		// 105 * 26 is just outside the first window
		rowCache.RowData(105)
		currentRange, _ = rowCache.CurrentRange()
		assert.Equal(t, currentRange, FetchRange{Start: 5 * testRowSize, End: 205 * testRowSize})
	})

	// only the window of the second call is fetched
	assert.Equal(t, c.connection.nextSent(t, time.Second), fetchMessage(5*testRowSize, 205*testRowSize))
	c.connection.assertNoneSent(t, 300*time.Millisecond)
}

func TestRowCacheInFlightRangeSkipsFetch(t *testing.T) {
	c := newTestRowCache(t, DefaultRowCacheSettings())
	defer c.Close()

	c.open(t)

	c.call(func(rowCache *RowCache) {
		rowCache.RowData(1000)
		currentRange, _ := rowCache.CurrentRange()
		assert.Equal(t, currentRange, FetchRange{Start: 900 * testRowSize, End: 1100 * testRowSize})
	})
	assert.Equal(t, c.connection.nextSent(t, time.Second), fetchMessage(900*testRowSize, 1100*testRowSize))

	// inside the current range. The range is advisory and is not cleared when the fetch is sent.
	c.call(func(rowCache *RowCache) {
		rowCache.RowData(1050)
		rowCache.RowData(950)
		currentRange, _ := rowCache.CurrentRange()
		assert.Equal(t, currentRange, FetchRange{Start: 900 * testRowSize, End: 1100 * testRowSize})
	})
	c.connection.assertNoneSent(t, 300*time.Millisecond)

	// outside the current range
	c.call(func(rowCache *RowCache) {
		rowCache.RowData(1100)
	})
	assert.Equal(t, c.connection.nextSent(t, time.Second), fetchMessage(1000*testRowSize, 1200*testRowSize))
}

func TestRowCachePrefetchClamp(t *testing.T) {
	c := newTestRowCache(t, DefaultRowCacheSettings())
	defer c.Close()

	c.call(func(rowCache *RowCache) {
		lastRow := testTotalRows - 1
		rowCache.RowData(lastRow)
		currentRange, _ := rowCache.CurrentRange()
		assert.Equal(t, currentRange, FetchRange{
			Start: uint64(lastRow-100) * testRowSize,
			End:   uint64(testTotalRows) * testRowSize,
		})
	})
}

func TestRowCacheEviction(t *testing.T) {
	c := newTestRowCache(t, DefaultRowCacheSettings())
	defer c.Close()

	c.call(func(rowCache *RowCache) {
		for r := range 200 {
			rowCache.RowData(r)
		}
		assert.Equal(t, len(rowCache.ResidentRows()), 200)

		// row 0 becomes most recently used, so row 1 is the eviction candidate
		rowCache.RowData(0)
		rowCache.RowData(200)

		assert.Equal(t, len(rowCache.ResidentRows()), 200)
		_, ok := rowCache.PeekRow(0)
		assert.Equal(t, ok, true)
		_, ok = rowCache.PeekRow(1)
		assert.Equal(t, ok, false)
		_, ok = rowCache.PeekRow(200)
		assert.Equal(t, ok, true)

		residentRows := rowCache.ResidentRows()
		assert.Equal(t, residentRows[0], 2)
		assert.Equal(t, residentRows[len(residentRows)-2], 0)
		assert.Equal(t, residentRows[len(residentRows)-1], 200)

		for r := 1000; r < 2000; r += 1 {
			rowCache.RowData(r)
			assert.Equal(t, len(rowCache.ResidentRows()) <= 200, true)
		}
	})
}

func TestRowCachePatchCreatesRow(t *testing.T) {
	c := newTestRowCache(t, DefaultRowCacheSettings())
	defer c.Close()

	c.open(t)

	c.connection.emitText(`{"id":27,"raw_value":"5","computed_value":"5","background":0}`)

	assert.Equal(t, c.nextChange(t), ChangeEvent{Kind: ChangeCell, Row: 1, Col: 1})
	assert.Equal(t, c.nextChange(t), ChangeEvent{Kind: ChangeRow, Row: 1})

	c.call(func(rowCache *RowCache) {
		row, ok := rowCache.PeekRow(1)
		assert.Equal(t, ok, true)
		assert.Equal(t, row.Len(), testRowSize)
		assert.Equal(t, row.Cell(1), CellContent{
			IdLow:         27,
			RawValue:      "5",
			ComputedValue: "5",
		})
		for col := range testRowSize {
			if col == 1 {
				continue
			}
			assert.Equal(t, row.Cell(col), EmptyCellContent(uint64(testRowSize+col)))
		}

		assert.Equal(t, rowCache.Stats().PatchesApplied, uint64(1))
	})
}

func TestRowCachePatchResidentRow(t *testing.T) {
	c := newTestRowCache(t, DefaultRowCacheSettings())
	defer c.Close()

	var before []CellContent
	c.call(func(rowCache *RowCache) {
		before = rowCache.RowData(3).Cells()
	})

	id := uint64(3*testRowSize + 5)
	c.connection.emitText(fmt.Sprintf(`{"id":%d,"raw_value":"=1+1","computed_value":"2","background":%d}`, id, int32(0x11223344)))

	// a resident row only reports the cell
	assert.Equal(t, c.nextChange(t), ChangeEvent{Kind: ChangeCell, Row: 3, Col: 5})
	select {
	case event := <-c.changes:
		t.Fatalf("unexpected change %+v", event)
	case <-time.After(100 * time.Millisecond):
	}

	c.call(func(rowCache *RowCache) {
		row := rowCache.RowData(3)
		assert.Equal(t, row.Len(), testRowSize)
		for col := range testRowSize {
			if col == 5 {
				assert.Equal(t, row.Cell(col).Id(), id)
				assert.Equal(t, row.Cell(col).RawValue, "=1+1")
				assert.Equal(t, row.Cell(col).ComputedValue, "2")
				assert.Equal(t, row.Cell(col).Background, Color{Red: 0x11, Blue: 0x22, Green: 0x33, Alpha: 0x44})
			} else {
				assert.Equal(t, row.Cell(col), before[col])
			}
		}
	})
}

func TestRowCacheMalformedPatch(t *testing.T) {
	c := newTestRowCache(t, DefaultRowCacheSettings())
	defer c.Close()

	c.open(t)

	c.connection.emitText(`not json`)
	c.connection.emitText(`{"id":27}`)
	c.connection.emit(ConnectionMessage{
		MessageType: websocket.BinaryMessage,
		Data:        []byte(`{"id":27,"raw_value":"5","computed_value":"5","background":0}`),
	})
	// outside the grid
	c.connection.emitText(fmt.Sprintf(`{"id":%d,"raw_value":"5","computed_value":"5","background":0}`, uint64(testTotalRows)*testRowSize))

	stats := c.stats()
	assert.Equal(t, stats.PatchesApplied, uint64(0))
	assert.Equal(t, stats.PatchesDropped, uint64(1))
	assert.Equal(t, stats.ResidentRows, 0)

	// the connection stays open
	c.call(func(rowCache *RowCache) {
		assert.Equal(t, rowCache.IsOpen(), true)
	})
}

func TestRowCacheFetchRetryUntilOpen(t *testing.T) {
	settings := DefaultRowCacheSettings()
	settings.FetchDebounce = 10 * time.Millisecond
	settings.FetchRetryMinBackoff = 20 * time.Millisecond
	settings.FetchRetryMaxBackoff = 200 * time.Millisecond
	c := newTestRowCache(t, settings)
	defer c.Close()

	c.call(func(rowCache *RowCache) {
		rowCache.RowData(0)
	})

	// let a few attempts fail
	time.Sleep(100 * time.Millisecond)
	c.connection.assertNoneSent(t, 0)

	c.open(t)
	assert.Equal(t, c.connection.nextSent(t, 2*time.Second), fetchMessage(0, 2600))

	stats := c.stats()
	assert.Equal(t, stats.FetchesSent, uint64(1))
	assert.Equal(t, stats.FetchesAbandoned, uint64(0))
}

func TestRowCacheFetchAbandon(t *testing.T) {
	settings := DefaultRowCacheSettings()
	settings.FetchDebounce = time.Millisecond
	settings.FetchAttemptCount = 3
	settings.FetchRetryMinBackoff = time.Millisecond
	settings.FetchRetryMaxBackoff = 4 * time.Millisecond
	c := newTestRowCache(t, settings)
	defer c.Close()

	c.call(func(rowCache *RowCache) {
		rowCache.RowData(0)
	})

	deadline := time.Now().Add(2 * time.Second)
	for c.stats().FetchesAbandoned == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	stats := c.stats()
	assert.Equal(t, stats.FetchesAbandoned, uint64(1))
	assert.Equal(t, stats.FetchesSent, uint64(0))

	// the abandoned rows stay placeholders until something else touches them
	c.call(func(rowCache *RowCache) {
		assert.Equal(t, rowCache.RowData(0).Cell(0).IsEmpty(), true)
	})
}

func TestRowCacheRetryBackoff(t *testing.T) {
	settings := DefaultRowCacheSettings()
	fetcher := &rangeFetcher{
		settings: settings,
	}
	assert.Equal(t, fetcher.retryBackoff(0), 10*time.Millisecond)
	assert.Equal(t, fetcher.retryBackoff(1), 20*time.Millisecond)
	assert.Equal(t, fetcher.retryBackoff(2), 40*time.Millisecond)
	assert.Equal(t, fetcher.retryBackoff(5), 320*time.Millisecond)
	assert.Equal(t, fetcher.retryBackoff(6), 500*time.Millisecond)
	assert.Equal(t, fetcher.retryBackoff(9), 500*time.Millisecond)
}

func TestRowCacheCloseIgnoresEvents(t *testing.T) {
	c := newTestRowCache(t, DefaultRowCacheSettings())
	defer c.Close()

	c.open(t)

	c.call(func(rowCache *RowCache) {
		rowCache.Close()
	})
	assert.Equal(t, c.connection.IsClosed(), true)

	c.connection.emitText(`{"id":27,"raw_value":"5","computed_value":"5","background":0}`)

	stats := c.stats()
	assert.Equal(t, stats.PatchesApplied, uint64(0))
	assert.Equal(t, stats.ResidentRows, 0)

	// reads still return placeholders
	c.call(func(rowCache *RowCache) {
		assert.Equal(t, rowCache.RowData(0).Len(), testRowSize)
	})
}

func TestRowCacheChangeCallbackRemove(t *testing.T) {
	c := newTestRowCache(t, DefaultRowCacheSettings())
	defer c.Close()

	counts := make(chan ChangeEvent, 16)
	var remove func()
	c.call(func(rowCache *RowCache) {
		remove = rowCache.AddChangeCallback(func(event ChangeEvent) {
			counts <- event
		})
	})

	c.connection.emitText(`{"id":0,"raw_value":"a","computed_value":"a","background":0}`)
	c.call(func(rowCache *RowCache) {})
	assert.Equal(t, len(counts), 2)

	c.call(func(rowCache *RowCache) {
		remove()
	})
	c.connection.emitText(`{"id":1,"raw_value":"b","computed_value":"b","background":0}`)
	c.call(func(rowCache *RowCache) {})
	assert.Equal(t, len(counts), 2)
}

func TestRowCacheReconnect(t *testing.T) {
	c := newTestRowCache(t, DefaultRowCacheSettings())
	defer c.Close()

	c.open(t)
	first := c.connection

	c.call(func(rowCache *RowCache) {
		rowCache.RowData(0)
		rowCache.RowData(500)
	})

	c.call(func(rowCache *RowCache) {
		rowCache.Reconnect()
		assert.Equal(t, rowCache.IsOpen(), false)
	})
	assert.Equal(t, first.IsClosed(), true)
	second := <-c.connector.connections

	// events from the first connection are ignored
	first.emitText(`{"id":27,"raw_value":"5","computed_value":"5","background":0}`)
	first.emit(ConnectionClosed{})
	assert.Equal(t, c.stats().PatchesApplied, uint64(0))
	select {
	case event := <-c.changes:
		t.Fatalf("unexpected change %+v", event)
	default:
	}

	second.emit(ConnectionOpened{})
	assert.Equal(t, second.nextSent(t, time.Second), `{"from":0,"to":2600}`)
	// resident rows are dropped so the view re-reads everything
	assert.Equal(t, c.nextChange(t), ChangeEvent{Kind: ChangeRowCount})
	assert.Equal(t, c.nextChange(t), ChangeEvent{Kind: ChangeConnectionOpen})

	c.call(func(rowCache *RowCache) {
		assert.Equal(t, len(rowCache.ResidentRows()), 0)
		_, ok := rowCache.CurrentRange()
		assert.Equal(t, ok, false)
		assert.Equal(t, rowCache.IsOpen(), true)
	})

	second.emit(ConnectionClosed{})
	assert.Equal(t, c.nextChange(t), ChangeEvent{Kind: ChangeConnectionClose})
	c.call(func(rowCache *RowCache) {
		assert.Equal(t, rowCache.IsOpen(), false)
	})
}

func TestRowCacheInvalidSize(t *testing.T) {
	c := newTestRowCacheWithSize(t, DefaultRowCacheSettings(), 0, -5)
	defer c.Close()

	c.call(func(rowCache *RowCache) {
		assert.Equal(t, rowCache.RowSize(), DefaultRowSize)
		assert.Equal(t, rowCache.RowCount(), 0)

		row := rowCache.RowData(0)
		assert.Equal(t, row.Len(), DefaultRowSize)
		assert.Equal(t, row.Cell(0), CellContent{})
		assert.Equal(t, len(rowCache.ResidentRows()), 0)
	})

	// every patch is outside an empty grid
	c.connection.emitText(`{"id":0,"raw_value":"5","computed_value":"5","background":0}`)
	assert.Equal(t, c.stats().PatchesDropped, uint64(1))
}

func TestRowCacheCollected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewEventLoopWithDefaults(ctx)
	go loop.Run()
	defer loop.Close()

	connector := newTestConnector()
	settings := DefaultRowCacheSettings()
	settings.Connect = connector.connect

	// only the cache context escapes the call
	var cacheCtx context.Context
	err := loop.Call(func() {
		rowCache := NewRowCache(ctx, loop, "http://localhost:3000/api/spreadsheet", testRowSize, testTotalRows, settings)
		rowCache.RowData(0)
		cacheCtx = rowCache.ctx
	})
	assert.Equal(t, err, nil)
	connection := <-connector.connections

	collected := false
	for range 100 {
		runtime.GC()
		select {
		case <-cacheCtx.Done():
			collected = true
		case <-time.After(10 * time.Millisecond):
		}
		if collected {
			break
		}
	}
	assert.Equal(t, collected, true)

	// events for the collected cache are no-ops on the loop
	connection.emit(ConnectionOpened{})
	connection.emitText(`{"id":27,"raw_value":"5","computed_value":"5","background":0}`)
	connection.emit(ConnectionClosed{})

	ran := false
	err = loop.Call(func() {
		ran = true
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, ran, true)

	// the bootstrap is never requested since nothing handled the open
	connection.assertNoneSent(t, 200*time.Millisecond)
}
