// Package proxy implements the L7 proxy: a transparent-for-the-caller
// HTTP/HTTPS forward proxy that attributes every CONNECT tunnel and plain
// request to the process that opened it, evaluates it against the rule
// engine by the request's target host rather than a resolved address, and
// kills anything that should be denied before a byte of the response
// reaches the client. It exists alongside the monitor loop because the
// monitor only sees kernel state after the kernel has already let a
// connection through; the proxy is the one place the controller can refuse
// a request before it completes.
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Vaidhanik/Firewall-sub000/internal/attributor"
	"github.com/Vaidhanik/Firewall-sub000/internal/engine"
	"github.com/Vaidhanik/Firewall-sub000/internal/log"
	"github.com/Vaidhanik/Firewall-sub000/internal/store"
)

// drainGrace bounds how long Stop waits for in-flight flows to finish on
// their own. Closing the listener does not close connections already
// accepted, and Stop does not close them either.
const drainGrace = 5 * time.Second

// Proxy terminates HTTP/HTTPS connections from local processes, attributes
// each one, and gates it against the rule engine before forwarding.
type Proxy struct {
	attr attributor.Attributor
	eng  *engine.Engine
	ca   *CertAuthority

	listenAddr string
	ln         net.Listener

	wg       sync.WaitGroup
	stopping chan struct{}
	stopOnce sync.Once
}

// New builds a Proxy listening on listenAddr. ca may be nil: plain HTTP
// proxying and CONNECT tunneling (without interception) still work without
// a certificate authority; only TLS interception needs one.
func New(attr attributor.Attributor, eng *engine.Engine, ca *CertAuthority, listenAddr string) *Proxy {
	return &Proxy{
		attr:       attr,
		eng:        eng,
		ca:         ca,
		listenAddr: listenAddr,
		stopping:   make(chan struct{}),
	}
}

// Start opens the listener and begins accepting connections in a background
// goroutine. It returns once the listener is bound, not once it has stopped.
func (p *Proxy) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", p.listenAddr, err)
	}
	p.ln = ln

	p.wg.Add(1)
	go p.acceptLoop(ctx)
	log.Infof("proxy: listening on %s", p.listenAddr)
	return nil
}

// Stop closes the listener at once, so no new connections are accepted, and
// then waits up to drainGrace for in-flight flows to finish. If the grace
// period elapses first, Stop logs a warning and returns; flows still in
// flight are not severed and run until they end on their own.
func (p *Proxy) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopping)
		if p.ln != nil {
			_ = p.ln.Close()
		}
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainGrace):
		log.Warnf("proxy: drain grace period elapsed with flows still in flight")
	}
}

func (p *Proxy) acceptLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			select {
			case <-p.stopping:
				return
			default:
				log.Warnf("proxy: accept: %v", err)
				return
			}
		}
		select {
		case <-p.stopping:
			_ = conn.Close()
			return
		default:
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.serveConn(ctx, conn)
		}()
	}
}

func (p *Proxy) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Debugf("proxy: reading request from %s: %v", conn.RemoteAddr(), err)
		}
		return
	}

	proc := p.attribute(conn)

	if req.Method == http.MethodConnect {
		p.handleConnect(ctx, conn, br, req, proc)
		return
	}
	p.handlePlain(ctx, conn, br, req, proc)
}

// attribute resolves the process on the other end of conn by looking up its
// local (client-side) TCP endpoint, mirroring how the monitor loop
// attributes kernel connections except scoped to a single socket instead of
// a full enumeration.
func (p *Proxy) attribute(conn net.Conn) attributor.Process {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return attributor.Process{ExeBasename: "unknown"}
	}
	proc, ok := p.attr.Lookup(attributor.TCP, addr.IP, addr.Port)
	if !ok {
		return attributor.Process{ExeBasename: "unknown"}
	}
	return proc
}

// targetHost strips a port suffix for evaluation: rules are recorded
// against a bare host, and a CONNECT target or Host header carries one.
func targetHost(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

func (p *Proxy) evaluate(ctx context.Context, app, rawTarget, source string) (allow bool) {
	host := targetHost(rawTarget)
	allow, ruleID := p.eng.EvaluateByTarget(app, host)
	if allow {
		return true
	}

	log.Warnf("proxy: deny %s -> %s (rule %d)", app, host, ruleID)
	attempt := &store.AttemptLog{
		RuleID:    sql.NullInt64{Int64: ruleID, Valid: ruleID != 0},
		Timestamp: time.Now(),
		App:       app,
		Source:    source,
		Target:    host,
		Detail:    "proxy",
	}
	if err := p.eng.LogAttempt(ctx, attempt); err != nil {
		log.Warnf("proxy: logging attempt: %v", err)
	}
	return false
}

// handleConnect services an HTTP CONNECT tunnel. If the target is denied the
// tunnel is refused with a 403 and closed before any bytes cross it — the
// flow is killed, not merely logged. Otherwise, if a CA is
// configured, the tunnel is intercepted and decrypted for per-request
// evaluation; without one it is relayed opaquely, and only the bare host is
// ever evaluated since there is nothing further to inspect.
func (p *Proxy) handleConnect(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request, proc attributor.Process) {
	app := proc.ExeBasename
	source := conn.RemoteAddr().String()

	if !p.evaluate(ctx, app, req.Host, source) {
		_, _ = io.WriteString(conn, "HTTP/1.1 403 Forbidden\r\n\r\n")
		return
	}

	if p.ca == nil {
		p.tunnel(conn, br, req)
		return
	}
	p.intercept(ctx, conn, req, proc)
}

// tunnel relays bytes opaquely between the client and the upstream target
// without decrypting them. Used when no CA is configured for interception.
func (p *Proxy) tunnel(conn net.Conn, br *bufio.Reader, req *http.Request) {
	upstream, err := net.DialTimeout("tcp", req.Host, 10*time.Second)
	if err != nil {
		_, _ = io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer upstream.Close()

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	relay(conn, br, upstream)
}

// relay pumps bytes in both directions until either side closes, draining
// br's buffer first so bytes already read from the client conn before the
// tunnel began aren't dropped.
func relay(client net.Conn, clientBuf *bufio.Reader, upstream net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(upstream, clientBuf)
		if c, ok := upstream.(interface{ CloseWrite() error }); ok {
			_ = c.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(client, upstream)
		if c, ok := client.(interface{ CloseWrite() error }); ok {
			_ = c.CloseWrite()
		}
	}()
	wg.Wait()
}

// intercept terminates TLS for req.Host under a CA-minted leaf certificate
// and evaluates each decrypted request in turn, closing the connection the
// moment one is denied instead of only refusing the initial CONNECT.
func (p *Proxy) intercept(ctx context.Context, conn net.Conn, req *http.Request, proc attributor.Process) {
	host := targetHost(req.Host)
	cert, err := p.ca.CertFor(host)
	if err != nil {
		log.Warnf("proxy: minting certificate for %s: %v", host, err)
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{*cert}})
	defer tlsConn.Close()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		log.Debugf("proxy: TLS handshake with client for %s: %v", host, err)
		return
	}

	br := bufio.NewReader(tlsConn)
	app := proc.ExeBasename
	source := conn.RemoteAddr().String()
	for {
		inner, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		inner.URL.Scheme = "https"
		inner.URL.Host = host

		if !p.evaluate(ctx, app, inner.Host, source) {
			resp := &http.Response{StatusCode: http.StatusForbidden, ProtoMajor: 1, ProtoMinor: 1, Header: http.Header{}, Body: http.NoBody}
			_ = resp.Write(tlsConn)
			return
		}

		if err := forwardOne(tlsConn, inner); err != nil {
			log.Debugf("proxy: forwarding intercepted request to %s: %v", host, err)
			return
		}
	}
}

// handlePlain services a plain (non-CONNECT) HTTP request: the classic
// forward-proxy case used for unencrypted traffic.
func (p *Proxy) handlePlain(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request, proc attributor.Process) {
	app := proc.ExeBasename
	source := conn.RemoteAddr().String()
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}

	if !p.evaluate(ctx, app, host, source) {
		resp := &http.Response{StatusCode: http.StatusForbidden, ProtoMajor: 1, ProtoMinor: 1, Header: http.Header{}, Body: http.NoBody}
		_ = resp.Write(conn)
		return
	}

	if err := forwardOne(conn, req); err != nil {
		log.Debugf("proxy: forwarding request to %s: %v", host, err)
	}
}

// hopByHopHeaders are stripped before forwarding, per RFC 7230 §6.1 — a
// proxy must not pass these through verbatim to the next hop.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// forwardOne executes req against its real destination and writes the
// response back onto w, in the shape of httputil.ReverseProxy's director
// step but driven manually since the destination varies per request rather
// than being fixed at construction.
func forwardOne(w io.Writer, req *http.Request) error {
	outReq := req.Clone(req.Context())
	outReq.RequestURI = ""
	if outReq.URL.Scheme == "" {
		outReq.URL.Scheme = "http"
	}
	if outReq.URL.Host == "" {
		outReq.URL.Host = req.Host
	}
	for _, h := range hopByHopHeaders {
		outReq.Header.Del(h)
	}
	if client, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		outReq.Header.Set("X-Forwarded-For", client)
	}

	resp, err := httpTransport.RoundTrip(outReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return resp.Write(w)
}

var httpTransport = &http.Transport{
	Proxy:               nil,
	TLSHandshakeTimeout: 10 * time.Second,
	IdleConnTimeout:     90 * time.Second,
}
