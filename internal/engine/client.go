// Package engine talks to the running remapping engine: the TCP reload
// protocol client and the reload safety monitor.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remapd/remapd/internal/domain"
)

const (
	// responseCap bounds accumulation for a protocol with no explicit
	// message framing.
	responseCap = 1024

	// reloadTimeout bounds the whole reload exchange.
	reloadTimeout = 10 * time.Second

	probeTimeout = 2 * time.Second

	reloadRequest = `{"Reload":{}}`
	protocolName  = "kanata-tcp"
)

// response markers, reverse-engineered from observed engine traffic.
const (
	markerStatusOK    = `"status":"Ok"`
	markerStatusError = `"status":"Error"`
	markerLivePhrase  = "Live reload successful"
)

// Client implements domain.ReloadClient over a fresh loopback TCP
// connection per command. Connections are not pooled or kept alive.
type Client struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
	logger  *zap.Logger
}

// NewClient creates a reload client for the engine's loopback port.
func NewClient(port int, logger *zap.Logger) *Client {
	return &Client{
		addr:    fmt.Sprintf("127.0.0.1:%d", port),
		timeout: reloadTimeout,
		logger:  logger,
	}
}

// Reload sends the reload command and accumulates the streamed response.
// The read loop ends on the first of: both the layer-change and status
// markers present, the byte cap reached, or the peer half-closing.
// Exactly one outcome is delivered, guarded against the error and
// timeout paths both firing.
func (c *Client) Reload(ctx context.Context) domain.ReloadOutcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := make(chan domain.ReloadOutcome, 1)
	var once sync.Once
	resolve := func(o domain.ReloadOutcome) {
		once.Do(func() { result <- o })
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return domain.ReloadOutcome{
			Success:      false,
			ErrorMessage: fmt.Sprintf("connect to engine at %s: %v", c.addr, err),
			Protocol:     protocolName,
		}
	}

	// Force-close the connection on timeout so the blocked read returns.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer conn.Close()

		// Keep the read deadline behind the context deadline so the
		// timeout always resolves through the single cancellation point.
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline.Add(time.Second))
		}

		if _, err := conn.Write([]byte(reloadRequest)); err != nil {
			resolve(domain.ReloadOutcome{
				Success:      false,
				ErrorMessage: fmt.Sprintf("send reload command: %v", err),
				Protocol:     protocolName,
			})
			return
		}

		raw, err := c.accumulate(conn)
		if err != nil && len(raw) == 0 {
			resolve(domain.ReloadOutcome{
				Success:      false,
				ErrorMessage: fmt.Sprintf("read reload response: %v", err),
				Protocol:     protocolName,
			})
			return
		}
		resolve(classify(raw))
	}()

	select {
	case outcome := <-result:
		c.logger.Debug("reload completed",
			zap.Bool("success", outcome.Success),
			zap.String("error", outcome.ErrorMessage))
		return outcome
	case <-ctx.Done():
		resolve(domain.ReloadOutcome{}) // block the late reader result
		return domain.ReloadOutcome{
			Success:      false,
			TimedOut:     true,
			ErrorMessage: "reload timed out after " + c.timeout.String(),
			Protocol:     protocolName,
		}
	}
}

// accumulate reads until the framing heuristic fires: a terminal
// verdict present, the cap exceeded, or EOF. The heuristic is load
// bearing - the peer emits unframed JSON fragments.
func (c *Client) accumulate(conn net.Conn) (string, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 256)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if framed(buf.Bytes()) || buf.Len() >= responseCap {
			return buf.String(), nil
		}
		if err != nil {
			// EOF (peer half-close) ends the message; anything already
			// accumulated is the response.
			return buf.String(), err
		}
	}
}

// framed reports whether buf holds a classifiable response. The peer's
// writes can split anywhere, so a bare "status" fragment is not enough:
// the frame is complete only once a full verdict is readable - the Ok
// or Error marker followed by its object's close (so an Error's msg has
// arrived in full), or the live-reload phrase.
func framed(buf []byte) bool {
	if bytes.Contains(buf, []byte(markerLivePhrase)) {
		return true
	}
	for _, marker := range [][]byte{[]byte(markerStatusOK), []byte(markerStatusError)} {
		if idx := bytes.Index(buf, marker); idx >= 0 {
			return bytes.Contains(buf[idx:], []byte("}"))
		}
	}
	return false
}

// classify pattern-matches on marker substrings rather than decoding a
// general JSON schema; the engine's response shapes vary by version.
func classify(raw string) domain.ReloadOutcome {
	outcome := domain.ReloadOutcome{
		ResponseText: raw,
		Protocol:     protocolName,
	}

	switch {
	case strings.Contains(raw, markerStatusOK) || strings.Contains(raw, markerLivePhrase):
		outcome.Success = true
	case strings.Contains(raw, markerStatusError):
		outcome.ErrorMessage = extractMsg(raw)
		if outcome.ErrorMessage == "" {
			outcome.ErrorMessage = "engine reported an error without a message"
		}
	default:
		outcome.ErrorMessage = "unexpected response format from engine"
	}
	return outcome
}

// extractMsg pulls the value of the first "msg" field out of the raw
// response without assuming a complete JSON document.
func extractMsg(raw string) string {
	const key = `"msg":"`
	start := strings.Index(raw, key)
	if start < 0 {
		return ""
	}
	rest := raw[start+len(key):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '"' && (i == 0 || rest[i-1] != '\\') {
			return rest[:i]
		}
	}
	return rest
}

// CheckServerStatus probes engine reachability with a short connect.
// Read-only: no command is sent.
func (c *Client) CheckServerStatus(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

var _ domain.ReloadClient = (*Client)(nil)
