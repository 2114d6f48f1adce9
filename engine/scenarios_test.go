package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/Polqt/meshproxy/breaker"
	"github.com/Polqt/meshproxy/limits"
	"github.com/Polqt/meshproxy/logx"
	"github.com/Polqt/meshproxy/metrics"
	"github.com/Polqt/meshproxy/timeouts"
	"github.com/Polqt/meshproxy/upstream"
)

// echoServer is a minimal in-process TCP listener that answers every
// connection with a fixed status line and body, the Go stand-in for the
// reference test suite's echo_app.py used against a real proxy.
type echoServer struct {
	ln        net.Listener
	status    int
	body      string
	delay     time.Duration
	connCount int
}

func newEchoServer(t *testing.T, port int, status int, body string, delay time.Duration) *echoServer {
	t.Helper()
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("listen on %d: %v", port, err)
	}
	s := &echoServer{ln: ln, status: status, body: body, delay: delay}
	go s.serve()
	return s
}

func (s *echoServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.connCount++
		go s.handle(conn)
	}
}

func (s *echoServer) handle(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	br.ReadString('\n') // request line, discarded
	for {
		line, err := br.ReadString('\n')
		if err != nil || line == "\r\n" || line == "\n" {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	fmt.Fprintf(conn, "HTTP/1.1 %d OK\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", s.status, len(s.body), s.body)
}

func (s *echoServer) close() { s.ln.Close() }

// echoWithBody streams back exactly what it received as the body, used by
// S6 to verify large-body round-tripping.
type echoWithBody struct {
	ln net.Listener
}

func newEchoWithBody(t *testing.T, port int) *echoWithBody {
	t.Helper()
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("listen on %d: %v", port, err)
	}
	s := &echoWithBody{ln: ln}
	go s.serve()
	return s
}

func (s *echoWithBody) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *echoWithBody) handle(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	br.ReadString('\n')
	contentLength := 0
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		trimmed := bytes.TrimRight([]byte(line), "\r\n")
		if len(trimmed) == 0 {
			break
		}
		fmt.Sscanf(string(trimmed), "Content-Length: %d", &contentLength)
	}
	body := make([]byte, contentLength)
	io.ReadFull(br, body)
	fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\nConnection: close\r\n\r\n", len(body))
	conn.Write(body)
}

func (s *echoWithBody) close() { s.ln.Close() }

func newTestEngine(pool *upstream.Pool, lim *limits.Manager, brk *breaker.Manager, tp timeouts.Policy) *Engine {
	return &Engine{
		Pool:     pool,
		Limits:   lim,
		Breakers: brk,
		Timeouts: tp,
		Metrics:  metrics.NewSink(),
		Log:      logx.New("error"),
	}
}

func dialAndRequest(t *testing.T, addr string, method, path string, body []byte) (status int, respBody []byte) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	req := method + " " + path + " HTTP/1.1\r\n"
	if len(body) > 0 {
		req += fmt.Sprintf("Content-Length: %d\r\n", len(body))
	}
	req += "\r\n"
	conn.Write([]byte(req))
	if len(body) > 0 {
		conn.Write(body)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	fmt.Sscanf(statusLine, "HTTP/1.1 %d", &status)

	// Skip the response headers so respBody holds only the body.
	for {
		line, err := br.ReadString('\n')
		if err != nil || line == "\r\n" || line == "\n" {
			break
		}
	}

	rest, _ := io.ReadAll(br)
	return status, rest
}

func startTestListener(t *testing.T, eng *Engine) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go eng.HandleConn(ctx, conn)
		}
	}()
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	return ln.Addr().String()
}

// S1: round-robin across two upstreams over four sequential requests.
func TestScenarioS1RoundRobinDistribution(t *testing.T) {
	e1 := newEchoServer(t, 19001, 200, "ok", 0)
	e2 := newEchoServer(t, 19002, 200, "ok", 0)
	defer e1.close()
	defer e2.close()

	pool, _ := upstream.NewPool([]upstream.Upstream{
		{Host: "127.0.0.1", Port: 19001},
		{Host: "127.0.0.1", Port: 19002},
	})
	lim := limits.NewManager(100, 10)
	brk := breaker.NewManager(breaker.Config{FailureThreshold: 1000, RecoveryTimeout: time.Second, HalfOpenMaxRequests: 1, PerCallTimeout: time.Second})
	eng := newTestEngine(pool, lim, brk, timeouts.Default())
	addr := startTestListener(t, eng)

	for i := 0; i < 4; i++ {
		status, _ := dialAndRequest(t, addr, "GET", "/", nil)
		if status != 200 {
			t.Fatalf("request %d: status = %d, want 200", i, status)
		}
	}
	time.Sleep(50 * time.Millisecond)

	if e1.connCount != 2 || e2.connCount != 2 {
		t.Errorf("upstream distribution = {19001: %d, 19002: %d}, want {2, 2}", e1.connCount, e2.connCount)
	}
}

// S2: a slow upstream trips the total/read timeout and yields 504.
func TestScenarioS2UpstreamTimeoutYields504(t *testing.T) {
	e1 := newEchoServer(t, 19011, 200, "slow", 300*time.Millisecond)
	defer e1.close()

	pool, _ := upstream.NewPool([]upstream.Upstream{{Host: "127.0.0.1", Port: 19011}})
	lim := limits.NewManager(100, 10)
	brk := breaker.NewManager(breaker.Config{FailureThreshold: 1000, RecoveryTimeout: time.Second, HalfOpenMaxRequests: 1, PerCallTimeout: time.Second})
	tp := timeouts.Policy{ConnectMS: 500, ReadMS: 100, WriteMS: 500, TotalMS: 150}
	eng := newTestEngine(pool, lim, brk, tp)
	addr := startTestListener(t, eng)

	status, body := dialAndRequest(t, addr, "GET", "/", nil)
	if status != 504 {
		t.Fatalf("status = %d, want 504; body=%q", status, body)
	}
}

// S3: upstream port is closed -> 502 Bad Gateway mentioning unavailability.
func TestScenarioS3ConnectionRefused502(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	closedPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close() // free the port but keep it unlikely to be reused immediately

	pool, _ := upstream.NewPool([]upstream.Upstream{{Host: "127.0.0.1", Port: closedPort}})
	lim := limits.NewManager(100, 10)
	brk := breaker.NewManager(breaker.Config{FailureThreshold: 1000, RecoveryTimeout: time.Second, HalfOpenMaxRequests: 1, PerCallTimeout: time.Second})
	eng := newTestEngine(pool, lim, brk, timeouts.Default())
	addr := startTestListener(t, eng)

	status, body := dialAndRequest(t, addr, "GET", "/", nil)
	if status != 502 {
		t.Fatalf("status = %d, want 502; body=%q", status, body)
	}
	if !bytes.Contains(body, []byte("unavailable")) {
		t.Errorf("body does not mention unavailability: %q", body)
	}
}

// S4: breaker trips after failure_threshold, fast-fails without dialing,
// then recovers once the upstream comes back and the recovery timeout has
// elapsed.
func TestScenarioS4CircuitBreakerTripAndRecover(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	closedPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	pool, _ := upstream.NewPool([]upstream.Upstream{{Host: "127.0.0.1", Port: closedPort}})
	lim := limits.NewManager(100, 10)
	brk := breaker.NewManager(breaker.Config{
		FailureThreshold: 3, RecoveryTimeout: 200 * time.Millisecond, HalfOpenMaxRequests: 1, PerCallTimeout: time.Second,
	})
	eng := newTestEngine(pool, lim, brk, timeouts.Default())
	addr := startTestListener(t, eng)

	for i := 0; i < 3; i++ {
		status, _ := dialAndRequest(t, addr, "GET", "/", nil)
		if status != 502 {
			t.Fatalf("failure %d: status = %d, want 502", i, status)
		}
	}

	b := brk.Get(pool.All()[0].Key())
	if b.State() != breaker.Open {
		t.Fatalf("breaker state = %v, want Open after %d failures", b.State(), 3)
	}

	status, _ := dialAndRequest(t, addr, "GET", "/", nil)
	if status != 502 {
		t.Fatalf("fast-failed request status = %d, want 502", status)
	}

	time.Sleep(250 * time.Millisecond)
	e := newEchoServer(t, closedPort, 200, "recovered", 0)
	defer e.close()

	status, _ = dialAndRequest(t, addr, "GET", "/", nil)
	if status != 200 {
		t.Fatalf("recovery request status = %d, want 200", status)
	}
	if b.State() != breaker.Closed {
		t.Fatalf("breaker state after recovery = %v, want Closed", b.State())
	}
}

// S5: max_conns_per_upstream=1 against a slow upstream serializes three
// concurrent requests onto one connection at a time.
func TestScenarioS5PerUpstreamLimitSerializes(t *testing.T) {
	e := newEchoServer(t, 19031, 200, "ok", 300*time.Millisecond)
	defer e.close()

	pool, _ := upstream.NewPool([]upstream.Upstream{{Host: "127.0.0.1", Port: 19031}})
	lim := limits.NewManager(100, 1)
	brk := breaker.NewManager(breaker.Config{FailureThreshold: 1000, RecoveryTimeout: time.Second, HalfOpenMaxRequests: 1, PerCallTimeout: 5 * time.Second})
	tp := timeouts.Default()
	tp.TotalMS = 5000
	eng := newTestEngine(pool, lim, brk, tp)
	addr := startTestListener(t, eng)

	start := time.Now()
	results := make(chan int, 3)
	for i := 0; i < 3; i++ {
		go func() {
			status, _ := dialAndRequest(t, addr, "GET", "/", nil)
			results <- status
		}()
	}
	for i := 0; i < 3; i++ {
		if status := <-results; status != 200 {
			t.Errorf("concurrent request status = %d, want 200", status)
		}
	}
	if elapsed := time.Since(start); elapsed < 3*300*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 900ms (serialized through a single-slot gate)", elapsed)
	}
}

// S6: a POST with a large Content-Length round-trips the exact body.
func TestScenarioS6LargeBodyRoundTrip(t *testing.T) {
	e := newEchoWithBody(t, 19021)
	defer e.close()

	pool, _ := upstream.NewPool([]upstream.Upstream{{Host: "127.0.0.1", Port: 19021}})
	lim := limits.NewManager(100, 10)
	brk := breaker.NewManager(breaker.Config{FailureThreshold: 1000, RecoveryTimeout: time.Second, HalfOpenMaxRequests: 1, PerCallTimeout: 5 * time.Second})
	tp := timeouts.Default()
	tp.TotalMS = 10000
	eng := newTestEngine(pool, lim, brk, tp)
	addr := startTestListener(t, eng)

	payload := bytes.Repeat([]byte{0x42}, 1<<20)
	status, respBody := dialAndRequest(t, addr, "POST", "/", payload)
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	if !bytes.Equal(respBody, payload) {
		t.Fatalf("response body does not match request body (got %d bytes, want %d)", len(respBody), len(payload))
	}
}
