package collab

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

const TransportSendBufferSize = 32

type ChannelTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultChannelTransportSettings() *ChannelTransportSettings {
	return &ChannelTransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		// fixed delay between reconnect attempts while subscribers remain
		ReconnectTimeout: 3 * time.Second,
		PingTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
	}
}

// (decoded message, in arrival order)
type receiveFunction func(message *Message)

// maintains exactly one live websocket for one document and hides the
// connection lifecycle from subscribers. a drop is never surfaced as an
// error; it is silently retried with a fixed delay until the owning
// context is canceled
type channelTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url        string
	documentId Id
	byJwt      string

	receive      receiveFunction
	disconnected func()

	send chan []byte

	settings *ChannelTransportSettings
}

func newChannelTransport(
	ctx context.Context,
	url string,
	documentId Id,
	byJwt string,
	receive receiveFunction,
	disconnected func(),
	settings *ChannelTransportSettings,
) *channelTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &channelTransport{
		ctx:          cancelCtx,
		cancel:       cancel,
		url:          url,
		documentId:   documentId,
		byJwt:        byJwt,
		receive:      receive,
		disconnected: disconnected,
		send:         make(chan []byte, TransportSendBufferSize),
		settings:     settings,
	}
	go transport.run()
	return transport
}

// outbound is fire-and-forget. no acknowledgment is awaited; confirmation
// is implicit via receiving one's own broadcast back. if the buffer is full
// the message is dropped, since a newer full snapshot always follows
func (self *channelTransport) Send(message *Message) {
	messageBytes, err := EncodeMessage(message)
	if err != nil {
		glog.Infof("[ct]%s encode error = %s\n", self.documentId, err)
		return
	}
	select {
	case <-self.ctx.Done():
	case self.send <- messageBytes:
		glog.V(2).Infof("[ct]%s-> %s\n", self.documentId, message.Type)
	default:
		glog.Infof("[ct]drop %s-> %s\n", self.documentId, message.Type)
	}
}

func (self *channelTransport) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			var header http.Header
			if self.byJwt != "" {
				header = http.Header{}
				header.Set("Authorization", fmt.Sprintf("Bearer %s", self.byJwt))
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, header)
			if err != nil {
				return nil, err
			}
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[ct]connect error %s = %s\n", self.documentId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case messageBytes, ok := <-self.send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
							// note that for websocket a deadline timeout cannot be recovered
							glog.Infof("[cts]%s-> error = %s\n", self.documentId, err)
							return
						}
						glog.V(2).Infof("[cts]%s->\n", self.documentId)
					case <-time.After(self.settings.PingTimeout):
						deadline := time.Now().Add(self.settings.WriteTimeout)
						if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				ws.SetPongHandler(func(string) error {
					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					return nil
				})

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					_, messageBytes, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[ctr]%s<- error = %s\n", self.documentId, err)
						return
					}

					message, err := DecodeMessage(messageBytes)
					if err != nil {
						// a malformed message is logged and dropped.
						// it does not tear down the connection
						glog.Infof("[ctr]drop %s<- = %s\n", self.documentId, err)
						continue
					}

					glog.V(2).Infof("[ctr]%s<- %s\n", self.documentId, message.Type)
					HandleError(func() {
						self.receive(message)
					})
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		c()

		// the delay restarts when a live connection drops, so a reconnect
		// after a long-lived connection still waits the full delay
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		HandleError(self.disconnected)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *channelTransport) Close() {
	self.cancel()
}
