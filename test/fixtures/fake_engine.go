// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"net"
	"strings"
	"sync"
)

// FakeEngine is a scriptable stand-in for the kanata TCP server. It
// accepts connections on a loopback port and answers each reload
// request with a configured response.
type FakeEngine struct {
	listener net.Listener

	mu       sync.Mutex
	response string
	silent   bool
	requests []string

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewFakeEngine starts a fake engine on an ephemeral loopback port.
// It answers with a successful reload response until told otherwise.
func NewFakeEngine() (*FakeEngine, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	e := &FakeEngine{
		listener: listener,
		response: `{"LayerChange":{"new":"base"}}{"status":"Ok"}`,
		done:     make(chan struct{}),
	}
	e.wg.Add(1)
	go e.serve()
	return e, nil
}

// Port returns the TCP port the fake engine listens on.
func (e *FakeEngine) Port() int {
	return e.listener.Addr().(*net.TCPAddr).Port
}

// RespondOK makes subsequent reloads succeed.
func (e *FakeEngine) RespondOK() {
	e.set(`{"LayerChange":{"new":"base"}}{"status":"Ok"}`, false)
}

// RespondError makes subsequent reloads fail with msg.
func (e *FakeEngine) RespondError(msg string) {
	e.set(`{"LayerChange":{"new":"base"}}{"status":"Error","msg":"`+msg+`"}`, false)
}

// GoSilent makes the fake engine accept requests but never answer,
// forcing clients into their timeout path.
func (e *FakeEngine) GoSilent() {
	e.set("", true)
}

// Requests returns every request payload received so far.
func (e *FakeEngine) Requests() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.requests...)
}

// ReloadCount returns how many reload requests were received.
func (e *FakeEngine) ReloadCount() int {
	count := 0
	for _, r := range e.Requests() {
		if strings.Contains(r, "Reload") {
			count++
		}
	}
	return count
}

// Close stops the listener and waits for in-flight handlers. Safe to
// call more than once.
func (e *FakeEngine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.listener.Close()
		e.wg.Wait()
	})
}

func (e *FakeEngine) set(response string, silent bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.response = response
	e.silent = silent
}

func (e *FakeEngine) serve() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handle(conn)
		}()
	}
}

func (e *FakeEngine) handle(conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}

	e.mu.Lock()
	e.requests = append(e.requests, string(buf[:n]))
	response, silent := e.response, e.silent
	e.mu.Unlock()

	if silent {
		// Hold the connection open without answering until shutdown.
		<-e.done
		return
	}
	_, _ = conn.Write([]byte(response))
}
