package grid

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

var DefaultBootstrapRange = FetchRange{Start: 0, End: 2600}

// gates fetch requests on the connection open state.
// The loader holds the connection sender only. Connection ownership stays with the row cache.
type Loader struct {
	open atomic.Bool

	senderLock sync.Mutex
	sender     Sender

	bootstrapRange FetchRange
}

func NewLoaderWithDefaults() *Loader {
	return NewLoader(DefaultBootstrapRange)
}

func NewLoader(bootstrapRange FetchRange) *Loader {
	return &Loader{
		bootstrapRange: bootstrapRange,
	}
}

func (self *Loader) SetSender(sender Sender) {
	self.senderLock.Lock()
	defer self.senderLock.Unlock()
	self.sender = sender
}

func (self *Loader) IsOpen() bool {
	return self.open.Load()
}

// returns false without side effects if the connection is not open
func (self *Loader) RequestRange(fetchRange FetchRange) bool {
	if !self.open.Load() {
		return false
	}

	self.senderLock.Lock()
	defer self.senderLock.Unlock()

	if self.sender == nil {
		return false
	}
	message, err := json.Marshal(&fetchRequest{
		From: fetchRange.Start,
		To:   fetchRange.End,
	})
	if err != nil {
		return false
	}
	if !self.sender.Send(message) {
		return false
	}
	tracef("[loader]request %s\n", fetchRange)
	return true
}

// applies the connection event to the open state.
// Returns the cell when the event is a well formed patch message.
func (self *Loader) HandleEvent(event ConnectionEvent) (cell Cell, ok bool) {
	switch v := event.(type) {
	case ConnectionOpened:
		self.open.Store(true)
		if !self.RequestRange(self.bootstrapRange) {
			glog.Infof("[loader]bootstrap request %s dropped\n", self.bootstrapRange)
		}
	case ConnectionClosed:
		self.open.Store(false)
	case ConnectionMessage:
		if v.MessageType != websocket.TextMessage {
			glog.Errorf("[loader]unexpected event: %s\n", v)
			return
		}
		var err error
		cell, err = ParseCell(v.Data)
		if err != nil {
			tracef("[loader]error parsing cell update: %q %s\n", v.Data, err)
			return
		}
		ok = true
	case ConnectionError:
		glog.Errorf("[loader]unexpected event: error = %s\n", v.Err)
	default:
		glog.Errorf("[loader]unexpected event: %T\n", event)
	}
	return
}

// the wire cell with every field present
type wireCell struct {
	Id            *uint64 `json:"id"`
	RawValue      *string `json:"raw_value"`
	ComputedValue *string `json:"computed_value"`
	Background    *int32  `json:"background"`
}

// parses one patch message. All fields are required, unknown fields are ignored.
func ParseCell(data []byte) (Cell, error) {
	var w wireCell
	if err := json.Unmarshal(data, &w); err != nil {
		return Cell{}, err
	}
	if w.Id == nil || w.RawValue == nil || w.ComputedValue == nil || w.Background == nil {
		return Cell{}, errors.New("Cell is missing fields.")
	}
	return Cell{
		Id:            *w.Id,
		RawValue:      *w.RawValue,
		ComputedValue: *w.ComputedValue,
		Background:    *w.Background,
	}, nil
}
