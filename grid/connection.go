package grid

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// connection events are a closed set:
// ConnectionOpened | ConnectionClosed | ConnectionMessage | ConnectionError
type ConnectionEvent interface {
	connectionEvent()
}

type ConnectionOpened struct{}

type ConnectionClosed struct{}

type ConnectionMessage struct {
	// websocket.TextMessage or websocket.BinaryMessage
	MessageType int
	Data        []byte
}

type ConnectionError struct {
	Err error
}

func (ConnectionOpened) connectionEvent()  {}
func (ConnectionClosed) connectionEvent()  {}
func (ConnectionMessage) connectionEvent() {}
func (ConnectionError) connectionEvent()   {}

func (self ConnectionMessage) String() string {
	switch self.MessageType {
	case websocket.TextMessage:
		return fmt.Sprintf("text(%d)", len(self.Data))
	case websocket.BinaryMessage:
		return fmt.Sprintf("binary(%d)", len(self.Data))
	default:
		return fmt.Sprintf("other=%d(%d)", self.MessageType, len(self.Data))
	}
}

// called from the connection goroutines. Implementations must not block for long
// and must marshal any state changes onto their owner.
type ConnectionHandler func(event ConnectionEvent)

type Sender interface {
	// returns false if the message could not be queued
	Send(message []byte) bool
}

type Connection interface {
	Sender
	Close()
}

type ConnectFunc func(ctx context.Context, url string, handler ConnectionHandler) Connection

type ConnectionSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	// must be longer than `PingTimeout` since pongs extend the read deadline
	ReadTimeout    time.Duration
	SendBufferSize int
	// optional bearer token for the upgrade request
	ByJwt string
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		WsHandshakeTimeout: 5 * time.Second,
		PingTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		SendBufferSize:     32,
	}
}

// http(s) urls are mapped to ws(s)
func WsUrl(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func NewWsConnectFunc(settings *ConnectionSettings) ConnectFunc {
	return func(ctx context.Context, url string, handler ConnectionHandler) Connection {
		return NewWsConnection(ctx, url, handler, settings)
	}
}

// a persistent websocket connection.
// Events are delivered in order: Opened, then messages, then Closed.
// A failed dial delivers Error then Closed.
// The connection does not reconnect.
type WsConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectionId Id
	url          string
	handler      ConnectionHandler
	settings     *ConnectionSettings

	send chan []byte
}

func NewWsConnectionWithDefaults(ctx context.Context, url string, handler ConnectionHandler) *WsConnection {
	return NewWsConnection(ctx, url, handler, DefaultConnectionSettings())
}

func NewWsConnection(
	ctx context.Context,
	url string,
	handler ConnectionHandler,
	settings *ConnectionSettings,
) *WsConnection {
	cancelCtx, cancel := context.WithCancel(ctx)
	connection := &WsConnection{
		ctx:          cancelCtx,
		cancel:       cancel,
		connectionId: NewId(),
		url:          WsUrl(url),
		handler:      handler,
		settings:     settings,
		send:         make(chan []byte, settings.SendBufferSize),
	}
	go connection.run()
	return connection
}

func (self *WsConnection) run() {
	defer self.cancel()

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if self.settings.ByJwt != "" {
		header.Add("Authorization", fmt.Sprintf("Bearer %s", self.settings.ByJwt))
	}

	ws, _, err := dialer.DialContext(self.ctx, self.url, header)
	if err != nil {
		glog.Infof("[c]connect %s error = %s\n", self.connectionId, err)
		self.handler(ConnectionError{Err: err})
		self.handler(ConnectionClosed{})
		return
	}
	glog.V(LogLevelDebug).Infof("[c]connect %s %s\n", self.connectionId, self.url)

	self.handler(ConnectionOpened{})

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer func() {
			handleCancel()
			wg.Done()
		}()

		pingTicker := time.NewTicker(self.settings.PingTimeout)
		defer pingTicker.Stop()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-self.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[cs]%s-> error = %s\n", self.connectionId, err)
					return
				}
				tracef("[cs]%s-> %d\n", self.connectionId, len(message))
			case <-pingTicker.C:
				deadline := time.Now().Add(self.settings.WriteTimeout)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					glog.Infof("[cs]ping %s-> error = %s\n", self.connectionId, err)
					return
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer func() {
			handleCancel()
			wg.Done()
		}()

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			return nil
		})

		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				select {
				case <-handleCtx.Done():
					// closed locally
				default:
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						glog.V(LogLevelDebug).Infof("[cr]%s<- closed\n", self.connectionId)
					} else {
						glog.Infof("[cr]%s<- error = %s\n", self.connectionId, err)
					}
				}
				return
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			tracef("[cr]%s<- %d\n", self.connectionId, len(message))
			self.handler(ConnectionMessage{
				MessageType: messageType,
				Data:        message,
			})
		}
	}()

	<-handleCtx.Done()
	// unblocks the reader
	ws.Close()
	wg.Wait()

	self.handler(ConnectionClosed{})
}

func (self *WsConnection) Send(message []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	select {
	case self.send <- message:
		return true
	default:
		glog.Infof("[cs]drop %s-> buffer full\n", self.connectionId)
		return false
	}
}

func (self *WsConnection) Close() {
	self.cancel()
}
