package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/bringyour/sheet/grid"
)

const SheetCtlVersion = "0.0.1"

const DefaultApiUrl = "http://localhost:3000"
const DefaultColumns = grid.DefaultRowSize
const DefaultTotalRows = grid.DefaultRowCount

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(`Spreadsheet grid control.

The default api_url is $SHEET_API_HOST, or %s when unset.

Usage:
    sheetctl view [--api_url=<api_url>] [--jwt=<jwt>] [--v=<level>]
        [--row=<row>]
        [--count=<count>]
        [--columns=<columns>]
        [--total_rows=<total_rows>]
        [--timeout=<timeout>]
    sheetctl watch [--api_url=<api_url>] [--jwt=<jwt>] [--v=<level>]
        [--row=<row>]
        [--columns=<columns>]
        [--total_rows=<total_rows>]
        [--reconnect_timeout=<reconnect_timeout>]
    sheetctl update [--api_url=<api_url>] [--jwt=<jwt>] [--v=<level>]
        --id=<id>
        --value=<value>
        [--background=<background>]
    sheetctl stats [--api_url=<api_url>] [--jwt=<jwt>] [--v=<level>]
        [--count=<count>]
    sheetctl serve [--v=<level>]
        [--addr=<addr>]
        [--columns=<columns>]
        [--total_rows=<total_rows>]

Options:
    -h --help                                  Show this screen.
    --version                                  Show version.
    --api_url=<api_url>                        Server root url.
    --jwt=<jwt>                                Bearer token for the backend.
    --v=<level>                                Log verbosity, 1 debug, 2 trace [default: 0].
    --row=<row>                                First row [default: 0].
    --count=<count>                            Number of rows or stats snapshots [default: 10].
    --columns=<columns>                        Columns per row [default: 26].
    --total_rows=<total_rows>                  Rows in the grid [default: 40000000].
    --timeout=<timeout>                        Wait this long for data [default: 2s].
    --reconnect_timeout=<reconnect_timeout>    Wait before reconnecting [default: 5s].
    --id=<id>                                  Flat cell id, row * columns + column.
    --value=<value>                            Raw cell value.
    --background=<background>                  Background as #rrggbbaa.
    --addr=<addr>                              Listen address [default: :3000].`,
		DefaultApiUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SheetCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)
	defer glog.Flush()

	if view_, _ := opts.Bool("view"); view_ {
		view(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if update_, _ := opts.Bool("update"); update_ {
		update(opts)
	} else if stats_, _ := opts.Bool("stats"); stats_ {
		stats(opts)
	} else if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	if level, err := opts.String("--v"); err == nil {
		flag.Set("v", level)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return apiUrl
	}
	if apiUrl := os.Getenv("SHEET_API_HOST"); apiUrl != "" {
		return apiUrl
	}
	return DefaultApiUrl
}

func newApi(ctx context.Context, opts docopt.Opts) *grid.SheetApi {
	api := grid.NewSheetApiWithContext(ctx, apiUrl(opts))
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		api.SetByJwt(jwt)
		if byJwt, err := grid.ParseByJwtUnverified(jwt); err == nil {
			glog.V(grid.LogLevelDebug).Infof("[ctl]user %s (%s)\n", byJwt.UserName, byJwt.UserId)
		} else {
			Err.Printf("Invalid jwt (%s).", err)
		}
	}
	return api
}

func gridSize(opts docopt.Opts) (columns int, totalRows int) {
	columns, err := opts.Int("--columns")
	if err != nil || columns <= 0 {
		columns = DefaultColumns
	}
	totalRows, err = opts.Int("--total_rows")
	if err != nil || totalRows <= 0 {
		totalRows = DefaultTotalRows
	}
	return
}

func durationOpt(opts docopt.Opts, key string, defaultDuration time.Duration) time.Duration {
	s, err := opts.String(key)
	if err != nil {
		return defaultDuration
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		Err.Printf("Invalid %s (%s).", key, err)
		return defaultDuration
	}
	return d
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func rowCacheSettings(opts docopt.Opts) *grid.RowCacheSettings {
	settings := grid.DefaultRowCacheSettings()
	if jwt, err := opts.String("--jwt"); err == nil {
		settings.ConnectionSettings.ByJwt = jwt
	}
	return settings
}

// prints a window of rows once the backend has had a chance to fill them
func view(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	api := newApi(ctx, opts)
	defer api.Close()

	columns, totalRows := gridSize(opts)
	row, _ := opts.Int("--row")
	count, _ := opts.Int("--count")
	timeout := durationOpt(opts, "--timeout", 2*time.Second)

	loop := grid.NewEventLoopWithDefaults(ctx)
	go loop.Run()
	defer loop.Close()

	changes := make(chan grid.ChangeEvent, 1024)
	var rowCache *grid.RowCache
	loop.Call(func() {
		rowCache = grid.NewRowCache(ctx, loop, api.SpreadsheetUrl(), columns, totalRows, rowCacheSettings(opts))
		rowCache.AddChangeCallback(func(event grid.ChangeEvent) {
			select {
			case changes <- event:
			default:
			}
		})
		for i := row; i < row+count; i += 1 {
			rowCache.RowData(i)
		}
	})
	defer loop.Call(rowCache.Close)

	// wait until the patches go quiet
	deadline := time.After(timeout)
	quiet := 250 * time.Millisecond
	quietTimer := time.NewTimer(timeout)
	defer quietTimer.Stop()
WaitLoop:
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			break WaitLoop
		case <-quietTimer.C:
			break WaitLoop
		case event := <-changes:
			if event.Kind == grid.ChangeCell || event.Kind == grid.ChangeConnectionOpen {
				quietTimer.Reset(quiet)
			}
		}
	}

	var rows [][]grid.CellContent
	var cacheStats grid.RowCacheStats
	loop.Call(func() {
		for i := row; i < row+count; i += 1 {
			rows = append(rows, rowCache.RowData(i).Cells())
		}
		cacheStats = rowCache.Stats()
	})

	printRows(row, rows, columns)
	glog.V(grid.LogLevelDebug).Infof("[ctl]cache stats %+v\n", cacheStats)
}

func printRows(firstRow int, rows [][]grid.CellContent, columns int) {
	cellWidth := 10
	visibleColumns := columns
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			// row label plus separators
			visibleColumns = min(columns, max((width-10)/(cellWidth+1), 1))
		}
	}

	header := []string{fmt.Sprintf("%8s", "")}
	for col := 0; col < visibleColumns; col += 1 {
		header = append(header, fmt.Sprintf("%-*s", cellWidth, columnTitle(col)))
	}
	Out.Printf("%s", strings.Join(header, " "))

	for i, cells := range rows {
		line := []string{fmt.Sprintf("%8d", firstRow+i+1)}
		for col := 0; col < visibleColumns && col < len(cells); col += 1 {
			value := cells[col].ComputedValue
			if cellWidth < len(value) {
				value = value[:cellWidth-1] + "~"
			}
			line = append(line, fmt.Sprintf("%-*s", cellWidth, value))
		}
		Out.Printf("%s", strings.Join(line, " "))
	}
}

// A, B, ..., Z, AA, AB, ...
func columnTitle(col int) string {
	title := ""
	for n := col + 1; 0 < n; n = (n - 1) / 26 {
		title = string(rune('A'+(n-1)%26)) + title
	}
	return title
}

// prints patches as they arrive, and reconnects when the connection closes
func watch(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	api := newApi(ctx, opts)
	defer api.Close()

	columns, totalRows := gridSize(opts)
	row, _ := opts.Int("--row")
	reconnectTimeout := durationOpt(opts, "--reconnect_timeout", 5*time.Second)

	loop := grid.NewEventLoopWithDefaults(ctx)
	go loop.Run()
	defer loop.Close()

	var rowCache *grid.RowCache
	loop.Call(func() {
		rowCache = grid.NewRowCache(ctx, loop, api.SpreadsheetUrl(), columns, totalRows, rowCacheSettings(opts))
		rowCache.AddChangeCallback(func(event grid.ChangeEvent) {
			switch event.Kind {
			case grid.ChangeCell:
				r, ok := rowCache.PeekRow(event.Row)
				if !ok {
					return
				}
				cell := r.Cell(event.Col)
				Out.Printf("%s%d = %q (%s) bg=%s", columnTitle(event.Col), event.Row+1, cell.RawValue, cell.ComputedValue, cell.Background)
			case grid.ChangeConnectionOpen:
				Err.Printf("Connected.")
			case grid.ChangeConnectionClose:
				Err.Printf("Disconnected. Reconnecting in %s.", reconnectTimeout)
				time.AfterFunc(reconnectTimeout, func() {
					loop.Invoke(rowCache.Reconnect)
				})
			case grid.ChangeRowCount:
				// the rows were invalidated by a reconnect
				rowCache.RowData(row)
			}
		})
		rowCache.RowData(row)
	})
	defer loop.Call(rowCache.Close)

	<-ctx.Done()
}

func update(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	api := newApi(ctx, opts)
	defer api.Close()

	idStr, _ := opts.String("--id")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		Err.Printf("Invalid id (%s).", err)
		os.Exit(1)
	}
	value, _ := opts.String("--value")

	var background grid.Color
	if backgroundStr, err := opts.String("--background"); err == nil && backgroundStr != "" {
		background, err = parseColor(backgroundStr)
		if err != nil {
			Err.Printf("Invalid background (%s).", err)
			os.Exit(1)
		}
	}

	cellContent := grid.EmptyCellContent(id)
	cellContent.RawValue = value
	cellContent.Background = background
	request := cellContent.UpdateRequest()

	callback, results := grid.NewBlockingApiCallback[*grid.UpdateCellResult]()
	api.UpdateCell(&request, callback)

	select {
	case <-ctx.Done():
	case result := <-results:
		if result.Error != nil {
			Err.Printf("Update failed (%s).", result.Error)
			os.Exit(1)
		}
		Out.Printf("%d updated (%s)", id, result.Result.RequestId)
	}
}

// #rrggbb or #rrggbbaa
func parseColor(s string) (grid.Color, error) {
	s = strings.TrimPrefix(s, "#")
	if len(s) == 6 {
		s = s + "ff"
	}
	if len(s) != 8 {
		return grid.Color{}, fmt.Errorf("expected #rrggbb or #rrggbbaa, got %s", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return grid.Color{}, err
	}
	return grid.Color{
		Red:   uint8(v >> 24),
		Green: uint8(v >> 16),
		Blue:  uint8(v >> 8),
		Alpha: uint8(v),
	}, nil
}

func stats(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	api := newApi(ctx, opts)
	defer api.Close()

	count, _ := opts.Int("--count")

	n := 0
	err := api.StreamStats(func(stats grid.Stats) bool {
		Out.Printf("%v", map[string]any(stats))
		n += 1
		return count <= 0 || n < count
	})
	if err != nil {
		Err.Printf("Stats stream ended (%s).", err)
		os.Exit(1)
	}
}

func serve(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	addr, _ := opts.String("--addr")
	columns, totalRows := gridSize(opts)

	server := grid.NewServerWithDefaults(ctx, uint64(columns)*uint64(totalRows))
	defer server.Close()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: server,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	Err.Printf("Server started on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		Err.Printf("ListenAndServe: %s", err)
		os.Exit(1)
	}
}
