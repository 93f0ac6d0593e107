package consensus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	SourceIdHeader    = "X-Hive-Source-Id"
	RecipientIdHeader = "X-Hive-Recipient-Id"
)

type HTTPTransportCfg struct {
	Logger Logger

	// Address the RPC server listens on; if empty, the transport only sends
	// messages to remote processes.
	LocalAddress string

	// Address of the process hosting each remote node. Nodes absent from
	// this map are handled locally.
	Peers map[NodeId]string
}

// HTTPTransport carries messages to nodes hosted by other processes over
// HTTP, and delivers messages to local nodes directly.
type HTTPTransport struct {
	Cfg HTTPTransportCfg
	Log Logger

	local *ChannelTransport

	httpClient *http.Client
	httpServer *http.Server
}

func NewHTTPTransport(cfg HTTPTransportCfg) *HTTPTransport {
	if cfg.Logger == nil {
		Panicf("missing logger")
	}

	t := HTTPTransport{
		Cfg: cfg,
		Log: cfg.Logger,

		local: NewChannelTransport(),

		httpClient: newHTTPClient(),
	}

	return &t
}

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns: 30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Timeout:   10 * time.Second,
		Transport: &transport,
	}

	return &client
}

func (t *HTTPTransport) Start(errorChan chan<- error) error {
	if t.Cfg.LocalAddress == "" {
		return nil
	}

	listener, err := net.Listen("tcp", t.Cfg.LocalAddress)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", t.Cfg.LocalAddress, err)
	}

	t.Log.Info("listening on %s", listener.Addr())

	t.httpServer = &http.Server{
		Addr:              t.Cfg.LocalAddress,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           t,
	}

	go func() {
		defer func() {
			if value := recover(); value != nil {
				msg := RecoverValueString(value)
				trace := StackTrace(10)
				t.Log.Error("panic: %s\n%s", msg, trace)
			}
		}()

		if err := t.httpServer.Serve(listener); err != http.ErrServerClosed {
			errorChan <- fmt.Errorf("rpc server error: %w", err)
		}
	}()

	return nil
}

func (t *HTTPTransport) Stop() {
	if t.httpServer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	t.httpServer.Shutdown(ctx)
}

func (t *HTTPTransport) Register(id NodeId, h RPCHandler) {
	t.local.Register(id, h)
}

func (t *HTTPTransport) Send(ctx context.Context, sourceId, recipientId NodeId, msg RPCMsg) (RPCMsg, error) {
	address, remote := t.Cfg.Peers[recipientId]
	if !remote {
		return t.local.Send(ctx, sourceId, recipientId, msg)
	}

	t.Log.Debug(2, "sending %v to %s at %s", msg, recipientId, address)

	msgData, err := EncodeRPCMsg(msg)
	if err != nil {
		return nil, fmt.Errorf("cannot encode message: %w", err)
	}

	uri := url.URL{
		Scheme: "http",
		Host:   address,
		Path:   "/",
	}

	req, err := http.NewRequestWithContext(ctx, "POST", uri.String(),
		bytes.NewReader(msgData))
	if err != nil {
		return nil, fmt.Errorf("cannot create http request: %w", err)
	}

	req.Header.Set(SourceIdHeader, string(sourceId))
	req.Header.Set(RecipientIdHeader, string(recipientId))

	res, err := t.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, fmt.Errorf("%w: %q: %v", ErrUnreachable, recipientId, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot read response from %s: %w", address, err)
	}

	switch res.StatusCode {
	case 200:
	case 409:
		return nil, ErrNodeFailed
	case 503:
		return nil, fmt.Errorf("%w: %q", ErrUnreachable, recipientId)
	default:
		text := string(body)
		if idx := strings.IndexAny(text, "\r\n"); idx > 0 {
			text = text[:idx]
		}

		return nil, fmt.Errorf("http request to %s failed with status %d: %s",
			address, res.StatusCode, text)
	}

	resMsg, err := DecodeRPCMsg(body)
	if err != nil {
		return nil, fmt.Errorf("invalid response from %s: %w", address, err)
	}

	return resMsg, nil
}

func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != "POST" {
		t.replyError(w, 405, "invalid method %q", req.Method)
		return
	}

	sourceId := req.Header.Get(SourceIdHeader)
	if sourceId == "" {
		t.replyError(w, 400, "missing or empty %s header field", SourceIdHeader)
		return
	}

	recipientId := req.Header.Get(RecipientIdHeader)
	if recipientId == "" {
		t.replyError(w, 400, "missing or empty %s header field",
			RecipientIdHeader)
		return
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		t.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	msg, err := DecodeRPCMsg(data)
	if err != nil {
		t.replyError(w, 400, "invalid message: %v", err)
		return
	}

	resMsg, err := t.local.Send(req.Context(), NodeId(sourceId),
		NodeId(recipientId), msg)
	if err != nil {
		switch {
		case errors.Is(err, ErrNodeFailed):
			t.replyText(w, 409, "%v", err)
		case errors.Is(err, ErrUnreachable):
			t.replyText(w, 503, "%v", err)
		default:
			t.replyError(w, 500, "cannot handle %v: %v", msg, err)
		}

		return
	}

	resData, err := EncodeRPCMsg(resMsg)
	if err != nil {
		t.replyError(w, 500, "cannot encode response: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	w.Write(resData)
}

func (t *HTTPTransport) replyText(w http.ResponseWriter, status int, format string, args ...interface{}) {
	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}

func (t *HTTPTransport) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	t.Log.Error(format, args...)
	t.replyText(w, status, format, args...)
}
