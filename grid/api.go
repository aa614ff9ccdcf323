package grid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// streams stay open indefinitely, so only the connect phases are bounded
func streamingClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// `apiUrl` is the server root, e.g. `http://localhost:3000`
type SheetApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewSheetApi(apiUrl string) *SheetApi {
	return NewSheetApiWithContext(context.Background(), apiUrl)
}

func NewSheetApiWithContext(ctx context.Context, apiUrl string) *SheetApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &SheetApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: strings.TrimSuffix(apiUrl, "/"),
	}
}

// this gets attached to api calls and the spreadsheet connection
func (self *SheetApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *SheetApi) SpreadsheetUrl() string {
	return fmt.Sprintf("%s/api/spreadsheet", self.apiUrl)
}

func (self *SheetApi) StatsUrl() string {
	return fmt.Sprintf("%s/api/stats", self.apiUrl)
}

type UpdateCellCallback apiCallback[*UpdateCellResult]

type UpdateCellResult struct {
	RequestId  Id
	StatusCode int
}

// fire and forget. Failures are logged and passed to the callback, and never retried.
// The view keeps its optimistic state.
func (self *SheetApi) UpdateCell(updateCell *UpdateCellRequest, callback UpdateCellCallback) {
	go HandleError(func() {
		result, err := post(self.ctx, self.SpreadsheetUrl(), updateCell, self.byJwt)
		if err != nil {
			if result != nil {
				glog.Warningf("[api]update cell %d (%s) failed = %s\n", updateCell.Id, result.RequestId, err)
			} else {
				glog.Warningf("[api]update cell %d failed = %s\n", updateCell.Id, err)
			}
		}
		callback.Result(result, err)
	})
}

func post(ctx context.Context, url string, args any, byJwt string) (*UpdateCellResult, error) {
	requestBodyBytes, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return nil, err
	}

	requestId := NewId()
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("X-Request-Id", requestId.String())
	if byJwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	result := &UpdateCellResult{
		RequestId:  requestId,
		StatusCode: r.StatusCode,
	}

	responseBodyBytes, _ := io.ReadAll(r.Body)
	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = r.Status
		}
		return result, errors.New(errorMessage)
	}
	return result, nil
}

// one statistics snapshot from the stats stream.
// The backend owns the schema, so fields are kept as decoded.
type Stats map[string]any

// return false to end the stream
type StatsFunction = func(stats Stats) bool

// reads the line-delimited json stats stream until the callback returns false,
// the stream ends, or the api is closed. Returns the error that ended the stream.
func (self *SheetApi) StreamStats(callback StatsFunction) error {
	return StreamJsonLines(self.ctx, self.StatsUrl(), self.byJwt, callback)
}

func StreamJsonLines[R any](ctx context.Context, url string, byJwt string, callback func(R) bool) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	req.Header.Add("Accept", "application/x-ndjson")
	if byJwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}

	client := streamingClient()
	r, err := client.Do(req)
	if err != nil {
		glog.Errorf("[api]an error occurred while streaming `%s` = %s\n", url, err)
		return err
	}
	defer r.Body.Close()

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		return fmt.Errorf("Stream %s failed: %s", url, r.Status)
	}

	// the decoder buffers partial lines across chunks
	decoder := json.NewDecoder(r.Body)
	for {
		var value R
		if err := decoder.Decode(&value); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			glog.Errorf("[api]an error occurred while reading `%s` = %s\n", url, err)
			return err
		}
		if !callback(value) {
			return nil
		}
	}
}

func (self *SheetApi) Close() {
	self.cancel()
}

type ByJwt struct {
	UserId   string
	UserName string
}

// reads the identity claims without verifying the signature.
// The backend verifies the token, the client only uses it for display and logs.
func ParseByJwtUnverified(byJwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	parsed := &ByJwt{}
	if userId, ok := claims["user_id"].(string); ok {
		parsed.UserId = userId
	}
	if userName, ok := claims["user_name"].(string); ok {
		parsed.UserName = userName
	}
	if parsed.UserId == "" {
		if sub, err := claims.GetSubject(); err == nil {
			parsed.UserId = sub
		}
	}
	return parsed, nil
}
