// Package mockdns provides scripted Exchangers for tests.
package mockdns

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/taihen/nsbench/pkg/clock"
)

// ErrTimeout mimics the error a socket read returns when its deadline passes.
var ErrTimeout error = &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// Func adapts a function to the Exchanger interface.
type Func func(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)

// ExchangeContext calls f.
func (f Func) ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error) {
	return f(ctx, m, address)
}

// Handler answers a question with an rcode and answer records.
type Handler func(q dns.Question) (rcode int, answers []dns.RR)

// Server is a fake resolver. Each exchange advances Clock by the next value
// of Latencies (cycling), then answers through Handler.
type Server struct {
	Clock     *clock.Fake
	Latencies []time.Duration
	Handler   Handler
	Err       error // returned for every query when set

	mu      sync.Mutex
	calls   int
	queries []dns.Question
}

// ExchangeContext implements the Exchanger interface.
func (s *Server) ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error) {
	s.mu.Lock()
	var latency time.Duration
	if len(s.Latencies) > 0 {
		latency = s.Latencies[s.calls%len(s.Latencies)]
	}
	s.calls++
	s.queries = append(s.queries, m.Question[0])
	s.mu.Unlock()

	if s.Clock != nil {
		s.Clock.Advance(latency)
	}
	if s.Err != nil {
		return nil, 0, s.Err
	}
	if s.Handler == nil {
		return nil, 0, errors.New("mockdns: no handler")
	}
	rcode, answers := s.Handler(m.Question[0])
	return Reply(m, rcode, answers...), latency, nil
}

// Calls returns how many exchanges were attempted.
func (s *Server) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Queries returns the questions received so far.
func (s *Server) Queries() []dns.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dns.Question(nil), s.queries...)
}

// Reply builds a response to req.
func Reply(req *dns.Msg, rcode int, answers ...dns.RR) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Rcode = rcode
	resp.Answer = answers
	return resp
}

// A returns an A record.
func A(name, ip string, ttl uint32) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   net.ParseIP(ip),
	}
}

// TXT returns a TXT record.
func TXT(name string, class uint16, ttl uint32, txt ...string) *dns.TXT {
	return &dns.TXT{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeTXT, Class: class, Ttl: ttl},
		Txt: txt,
	}
}

// Healthy answers every A query with ip and every other query with NXDOMAIN
// for names containing "dnsbench-".
func Healthy(ip string) Handler {
	return func(q dns.Question) (int, []dns.RR) {
		if isProbeName(q.Name) {
			return dns.RcodeNameError, nil
		}
		if q.Qtype == dns.TypeA {
			return dns.RcodeSuccess, []dns.RR{A(q.Name, ip, 300)}
		}
		return dns.RcodeRefused, nil
	}
}

func isProbeName(name string) bool {
	return strings.Contains(name, "dnsbench-")
}
