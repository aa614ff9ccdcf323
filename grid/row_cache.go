package grid

import (
	"context"
	"runtime"
	"time"
	"weak"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/golang/glog"
)

// 26 * 40_000_000 = 1_040_000_000 cells
const DefaultRowSize = 26
const DefaultRowCount = 40_000_000

type RowCacheSettings struct {
	// max resident rows
	Capacity int
	// rows fetched before and after a missed row
	PrefetchRows int
	FetchDebounce time.Duration

	// a fetch issued while the connection is not open is retried with exponential backoff
	FetchAttemptCount    int
	FetchRetryMinBackoff time.Duration
	FetchRetryMaxBackoff time.Duration

	BootstrapRange FetchRange

	ConnectionSettings *ConnectionSettings
	// when nil, a websocket connection is used
	Connect ConnectFunc
}

func DefaultRowCacheSettings() *RowCacheSettings {
	return &RowCacheSettings{
		Capacity:             200,
		PrefetchRows:         100,
		FetchDebounce:        100 * time.Millisecond,
		FetchAttemptCount:    10,
		FetchRetryMinBackoff: 10 * time.Millisecond,
		FetchRetryMaxBackoff: 500 * time.Millisecond,
		BootstrapRange:       DefaultBootstrapRange,
		ConnectionSettings:   DefaultConnectionSettings(),
	}
}

// an ordered, mutable sequence of exactly row size cells.
// Patches mutate in place and never resize.
type Row struct {
	cells []CellContent
}

func newPlaceholderRow(rowIndex int, rowSize int) *Row {
	cells := make([]CellContent, rowSize)
	start := uint64(rowIndex) * uint64(rowSize)
	for i := range rowSize {
		cells[i] = EmptyCellContent(start + uint64(i))
	}
	return &Row{
		cells: cells,
	}
}

func (self *Row) Len() int {
	return len(self.cells)
}

func (self *Row) Cell(col int) CellContent {
	return self.cells[col]
}

func (self *Row) SetCell(col int, cellContent CellContent) {
	self.cells[col] = cellContent
}

// a row outside the grid. Its cells carry no id since no id maps to it.
func newDetachedRow(rowSize int) *Row {
	return &Row{
		cells: make([]CellContent, rowSize),
	}
}

// a copy of the cells
func (self *Row) Cells() []CellContent {
	cells := make([]CellContent, len(self.cells))
	copy(cells, self.cells)
	return cells
}

type ChangeKind int

const (
	// a row became resident outside of `RowData`, e.g. by a patch
	ChangeRow ChangeKind = iota
	// one cell of a resident row was patched
	ChangeCell
	// all rows should be re-read, including the row count
	ChangeRowCount
	ChangeConnectionOpen
	ChangeConnectionClose
)

func (self ChangeKind) String() string {
	switch self {
	case ChangeRow:
		return "row"
	case ChangeCell:
		return "cell"
	case ChangeRowCount:
		return "row_count"
	case ChangeConnectionOpen:
		return "connection_open"
	case ChangeConnectionClose:
		return "connection_close"
	default:
		return "unknown"
	}
}

type ChangeEvent struct {
	Kind ChangeKind
	// set for ChangeRow and ChangeCell
	Row int
	// set for ChangeCell
	Col int
}

type ChangeFunction = func(event ChangeEvent)

type RowCacheStats struct {
	ResidentRows     int
	Hits             uint64
	Misses           uint64
	PatchesApplied   uint64
	PatchesDropped   uint64
	FetchesSent      uint64
	FetchesAbandoned uint64
}

// The row cache stores a fixed number of rows in memory.
//
//   - It fetches rows from the backend as needed.
//   - It always contains the rows the view is looking at, plus the rows around them,
//     since it prefetches around a missed row to make scrolling smooth.
//   - It debounces fetches to avoid fetching too many cells at once.
//
// All methods, including the constructor, must be called on the event loop.
type RowCache struct {
	ctx    context.Context
	cancel context.CancelFunc

	loop     *EventLoop
	url      string
	settings *RowCacheSettings

	rows    *simplelru.LRU[int, *Row]
	loader  *Loader
	fetcher *rangeFetcher
	// the most recently scheduled fetch. Advisory only, superseded fetches still land.
	currentRange *FetchRange

	maxCells uint64
	rowSize  int

	connection Connection
	// events from older connections are ignored
	connectionGeneration uint64

	changeCallbacks *CallbackList[ChangeFunction]

	closed bool
	stats  RowCacheStats
}

func NewRowCacheWithDefaults(ctx context.Context, loop *EventLoop, url string, width int, height int) *RowCache {
	return NewRowCache(ctx, loop, url, width, height, DefaultRowCacheSettings())
}

func NewRowCache(
	ctx context.Context,
	loop *EventLoop,
	url string,
	width int,
	height int,
	settings *RowCacheSettings,
) *RowCache {
	if width <= 0 {
		glog.Errorf("[cache]invalid row size %d, using %d\n", width, DefaultRowSize)
		width = DefaultRowSize
	}
	if height < 0 {
		glog.Errorf("[cache]invalid row count %d, using 0\n", height)
		height = 0
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	capacity := settings.Capacity
	if capacity <= 0 {
		capacity = DefaultRowCacheSettings().Capacity
	}
	rows, _ := simplelru.NewLRU[int, *Row](capacity, func(row int, _ *Row) {
		tracef("[cache]evict row %d\n", row)
	})

	loader := NewLoader(settings.BootstrapRange)
	debouncer := NewDebouncer(loop)

	rowCache := &RowCache{
		ctx:      cancelCtx,
		cancel:   cancel,
		loop:     loop,
		url:      url,
		settings: settings,
		rows:     rows,
		loader:   loader,
		fetcher: &rangeFetcher{
			loader:    loader,
			debouncer: debouncer,
			settings:  settings,
		},
		maxCells:        uint64(width) * uint64(height),
		rowSize:         width,
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}

	// the connection goroutines only hold a weak handle to the cache.
	// When the cache is collected without `Close`, the cleanup closes the connection.
	runtime.AddCleanup(rowCache, func(cancel context.CancelFunc) {
		cancel()
	}, cancel)

	rowCache.connect()
	return rowCache
}

func (self *RowCache) connect() {
	self.connectionGeneration += 1
	generation := self.connectionGeneration

	handle := weak.Make(self)
	loop := self.loop
	handler := func(event ConnectionEvent) {
		err := loop.Invoke(func() {
			if rowCache := handle.Value(); rowCache != nil {
				rowCache.processEvent(generation, event)
			}
		})
		if err != nil {
			tracef("[cache]drop connection event = %s\n", err)
		}
	}

	connect := self.settings.Connect
	if connect == nil {
		connectionSettings := self.settings.ConnectionSettings
		if connectionSettings == nil {
			connectionSettings = DefaultConnectionSettings()
		}
		connect = NewWsConnectFunc(connectionSettings)
	}
	self.connection = connect(self.ctx, self.url, handler)
	self.loader.SetSender(self.connection)
}

// closes the current connection and opens a new one.
// The cache never reconnects on its own.
func (self *RowCache) Reconnect() {
	if self.closed {
		return
	}
	if self.connection != nil {
		self.connection.Close()
	}
	self.loader.HandleEvent(ConnectionClosed{})
	self.connect()
}

func (self *RowCache) processEvent(generation uint64, event ConnectionEvent) {
	if self.closed || generation != self.connectionGeneration {
		return
	}

	if cell, ok := self.loader.HandleEvent(event); ok {
		self.ApplyPatch(cell)
		return
	}

	switch event.(type) {
	case ConnectionOpened:
		glog.V(LogLevelDebug).Infof("[cache]connection open (%d)\n", generation)
		if 1 < generation {
			// rows from before the reconnect may have missed patches
			self.invalidate()
		}
		self.notify(ChangeEvent{Kind: ChangeConnectionOpen})
	case ConnectionClosed:
		glog.Infof("[cache]connection closed (%d)\n", generation)
		self.notify(ChangeEvent{Kind: ChangeConnectionClose})
	}
}

func (self *RowCache) invalidate() {
	self.rows.Purge()
	self.currentRange = nil
	self.notify(ChangeEvent{Kind: ChangeRowCount})
}

func (self *RowCache) RowCount() int {
	return int(self.maxCells / uint64(self.rowSize))
}

func (self *RowCache) RowSize() int {
	return self.rowSize
}

// returns the row immediately. A missing row is returned as a placeholder
// and a fetch for the window around it is scheduled.
func (self *RowCache) RowData(row int) *Row {
	if row < 0 || self.RowCount() <= row {
		// outside the grid. Nothing to fetch or cache.
		return newDetachedRow(self.rowSize)
	}

	if r, ok := self.rows.Get(row); ok {
		self.stats.Hits += 1
		return r
	}
	self.stats.Misses += 1

	r := newPlaceholderRow(row, self.rowSize)
	self.rows.Add(row, r)

	if self.closed {
		return r
	}

	if self.currentRange != nil && self.currentRange.Contains(uint64(row)*uint64(self.rowSize)) {
		// already fetching this range
		return r
	}

	fetchRange := self.prefetchRange(row)
	self.currentRange = &fetchRange
	self.fetcher.schedule(fetchRange)

	return r
}

// the rows `[row - PrefetchRows, row + PrefetchRows)` clamped to the grid, as flat ids
func (self *RowCache) prefetchRange(row int) FetchRange {
	rowSize := uint64(self.rowSize)
	startRow := uint64(max(row-self.settings.PrefetchRows, 0))
	endRow := uint64(row) + uint64(self.settings.PrefetchRows)
	return FetchRange{
		Start: startRow * rowSize,
		End:   min(endRow*rowSize, self.maxCells),
	}
}

// applies a single cell push update.
// A row that is not resident is created as a placeholder first.
func (self *RowCache) ApplyPatch(cell Cell) {
	if self.maxCells <= cell.Id {
		glog.Infof("[cache]drop patch %d outside grid (%d)\n", cell.Id, self.maxCells)
		self.stats.PatchesDropped += 1
		return
	}
	row := int(cell.Id / uint64(self.rowSize))
	col := int(cell.Id % uint64(self.rowSize))

	inserted := false
	r, ok := self.rows.Get(row)
	if !ok {
		r = newPlaceholderRow(row, self.rowSize)
		self.rows.Add(row, r)
		inserted = true
	}
	r.SetCell(col, CellContentFromCell(cell))
	self.stats.PatchesApplied += 1

	self.notify(ChangeEvent{Kind: ChangeCell, Row: row, Col: col})
	if inserted {
		self.notify(ChangeEvent{Kind: ChangeRow, Row: row})
	}
}

// returns the resident row without changing its recency
func (self *RowCache) PeekRow(row int) (*Row, bool) {
	return self.rows.Peek(row)
}

// resident rows from least to most recently used
func (self *RowCache) ResidentRows() []int {
	return self.rows.Keys()
}

func (self *RowCache) CurrentRange() (FetchRange, bool) {
	if self.currentRange == nil {
		return FetchRange{}, false
	}
	return *self.currentRange, true
}

func (self *RowCache) IsOpen() bool {
	return self.loader.IsOpen()
}

func (self *RowCache) Stats() RowCacheStats {
	stats := self.stats
	stats.ResidentRows = self.rows.Len()
	stats.FetchesSent = self.fetcher.sentCount
	stats.FetchesAbandoned = self.fetcher.abandonedCount
	return stats
}

// callbacks run on the event loop
func (self *RowCache) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *RowCache) notify(event ChangeEvent) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			changeCallback(event)
		})
	}
}

func (self *RowCache) Close() {
	if self.closed {
		return
	}
	self.closed = true
	self.fetcher.debouncer.Stop()
	if self.connection != nil {
		self.connection.Close()
	}
	self.cancel()
}

// sends debounced fetches for the row cache.
// This does not reference the cache, so pending timers do not keep it alive.
type rangeFetcher struct {
	loader    *Loader
	debouncer *Debouncer
	settings  *RowCacheSettings

	sentCount      uint64
	abandonedCount uint64
}

func (self *rangeFetcher) schedule(fetchRange FetchRange) {
	debugf("[cache]fetching range %s\n", fetchRange)
	self.debouncer.Debounce(self.settings.FetchDebounce, func() {
		self.fetch(fetchRange, 0)
	})
}

// runs on the event loop. A newer `schedule` supersedes a pending retry.
func (self *rangeFetcher) fetch(fetchRange FetchRange, attempt int) {
	if self.loader.RequestRange(fetchRange) {
		self.sentCount += 1
		return
	}
	if self.settings.FetchAttemptCount <= attempt+1 {
		debugf("[cache]abandon range %s after %d attempts\n", fetchRange, attempt+1)
		self.abandonedCount += 1
		return
	}
	self.debouncer.Debounce(self.retryBackoff(attempt), func() {
		self.fetch(fetchRange, attempt+1)
	})
}

func (self *rangeFetcher) retryBackoff(attempt int) time.Duration {
	backoff := self.settings.FetchRetryMinBackoff
	for range attempt {
		backoff *= 2
		if self.settings.FetchRetryMaxBackoff <= backoff {
			return self.settings.FetchRetryMaxBackoff
		}
	}
	return min(backoff, self.settings.FetchRetryMaxBackoff)
}
