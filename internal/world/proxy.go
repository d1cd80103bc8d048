package world

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
)

// netScopeProxy is the HTTP CONNECT proxy a World starts when its
// Spec.NetScopes names specific domains rather than "*" or
// loopback-only; World.ProxyPort reports its port. One proxy serves the
// world for the life of the session, so a scope change only takes
// effect on the next ensureWorld/Create. Execs are not routed through
// it: the jail shares the host network for such scopes and sets no
// proxy variables, so the allowlist applies only to clients that
// connect to this port themselves.
type netScopeProxy struct {
	listener  net.Listener
	server    *http.Server
	exact     map[string]bool // net_scopes entries with no wildcard
	wildcards []string        // net_scopes entries like "*.anthropic.com", stored as ".anthropic.com"
	mu        sync.Mutex
	closed    bool
}

// startNetScopeProxy starts an HTTP CONNECT proxy on localhost scoped to
// the given Spec.NetScopes entries. Supports exact domains
// ("api.anthropic.com") and wildcards ("*.anthropic.com").
func startNetScopeProxy(scopes []string) (*netScopeProxy, error) {
	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, fmt.Errorf("net_scopes proxy listen: %w", err)
	}

	p := &netScopeProxy{
		listener: lis,
		exact:    make(map[string]bool),
	}
	for _, scope := range scopes {
		if strings.HasPrefix(scope, "*.") {
			p.wildcards = append(p.wildcards, scope[1:]) // store ".anthropic.com"
		} else {
			p.exact[scope] = true
		}
	}

	p.server = &http.Server{Handler: p}
	go func() {
		if err := p.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Printf("net_scopes proxy: serve error: %v", err)
		}
	}()

	log.Printf("net_scopes proxy: listening on %s, %d exact scopes, %d wildcard scopes", lis.Addr(), len(p.exact), len(p.wildcards))
	return p, nil
}

// Port returns the port the proxy is listening on.
func (p *netScopeProxy) Port() int {
	return p.listener.Addr().(*net.TCPAddr).Port
}

// Close stops the proxy.
func (p *netScopeProxy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.server.Close()
}

// allowed reports whether host matches one of the world's net_scopes.
func (p *netScopeProxy) allowed(host string) bool {
	// Strip port if present
	domain := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		domain = h
	}

	if p.exact[domain] {
		return true
	}
	for _, w := range p.wildcards {
		if strings.HasSuffix(domain, w) {
			return true
		}
	}
	return false
}

// ServeHTTP handles HTTP CONNECT requests for the proxy.
func (p *netScopeProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		http.Error(w, "only CONNECT supported", http.StatusMethodNotAllowed)
		return
	}

	if !p.allowed(r.Host) {
		log.Printf("net_scopes proxy: BLOCKED %s", r.Host)
		http.Error(w, "domain not allowed", http.StatusForbidden)
		return
	}

	// Dial the target
	target, err := net.Dial("tcp", r.Host)
	if err != nil {
		http.Error(w, fmt.Sprintf("dial: %v", err), http.StatusBadGateway)
		return
	}

	// Hijack the client connection
	hj, ok := w.(http.Hijacker)
	if !ok {
		target.Close()
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	client, _, err := hj.Hijack()
	if err != nil {
		target.Close()
		return
	}

	// Bidirectional copy
	go func() {
		io.Copy(target, client)
		target.Close()
	}()
	go func() {
		io.Copy(client, target)
		client.Close()
	}()
}
