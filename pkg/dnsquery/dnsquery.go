package dnsquery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/time/rate"

	"github.com/taihen/nsbench/pkg/clock"
)

// Result is the outcome of a single timed DNS request.
type Result struct {
	Response *dns.Msg // nil when the request failed at the transport level
	Duration time.Duration
	Class    ErrorClass
	Err      error
}

// Failed reports whether the request produced no usable response.
func (r Result) Failed() bool {
	return r.Class != None || r.Response == nil
}

// Client issues timed DNS requests through an Exchanger.
type Client struct {
	Exchanger Exchanger
	Clock     clock.Clock
	Limiter   *rate.Limiter // optional, shared between clients
	EDNS0     bool
}

// NewClient returns a Client for the given exchanger using the monotonic clock.
func NewClient(ex Exchanger) *Client {
	return &Client{Exchanger: ex, Clock: clock.Monotonic()}
}

// NewQuery builds a recursive query message for name.
func NewQuery(qclass, qtype uint16, name string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Question[0].Qclass = qclass
	m.RecursionDesired = true
	return m
}

// TimedRequest sends an IN-class query for (qtype, name) to addr.
func (c *Client) TimedRequest(ctx context.Context, addr string, qtype uint16, name string, timeout time.Duration) (Result, error) {
	return c.Exchange(ctx, addr, NewQuery(dns.ClassINET, qtype, name), timeout)
}

// Exchange sends msg to addr and measures how long the exchange took.
//
// Transport failures are reported through Result.Class and Result.Err. The
// returned error is only set for conditions that invalidate the whole
// measurement, currently a *ClockError.
func (c *Client) Exchange(ctx context.Context, addr string, msg *dns.Msg, timeout time.Duration) (Result, error) {
	if c.EDNS0 && msg.IsEdns0() == nil {
		msg.SetEdns0(4096, false)
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return Result{Class: Other, Err: fmt.Errorf("rate limiter: %w", err)}, nil
		}
	}
	clk := c.Clock
	if clk == nil {
		clk = clock.Monotonic()
	}

	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := clk.Now()
	resp, _, err := c.Exchanger.ExchangeContext(qctx, msg, addr)
	duration := clk.Since(start)

	if duration < 0 {
		return Result{}, &ClockError{Elapsed: duration}
	}
	if err != nil {
		class := classify(err)
		if class == Timeout {
			duration = timeout
		}
		return Result{Duration: duration, Class: class, Err: err}, nil
	}
	if resp == nil {
		return Result{Duration: duration, Class: BadResponse, Err: ErrEmptyResponse}, nil
	}
	if resp.Id != msg.Id {
		return Result{Duration: duration, Class: BadResponse, Err: dns.ErrId}, nil
	}
	return Result{Response: resp, Duration: duration}, nil
}

// Summarize renders a response (or failure) as a short human readable string.
func Summarize(r Result) string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Class, r.Err)
	}
	if r.Response == nil {
		return "no response"
	}
	if len(r.Response.Answer) > 0 {
		answers := make([]string, len(r.Response.Answer))
		for i, ans := range r.Response.Answer {
			answers[i] = AnswerValue(ans)
		}
		return strings.Join(answers, " ")
	}
	if r.Response.Rcode == dns.RcodeSuccess {
		return "NOERROR (empty answer)"
	}
	return dns.RcodeToString[r.Response.Rcode]
}

// AnswerValue returns the record data of rr without its header.
func AnswerValue(rr dns.RR) string {
	switch v := rr.(type) {
	case *dns.A:
		return v.A.String()
	case *dns.AAAA:
		return v.AAAA.String()
	case *dns.CNAME:
		return v.Target
	case *dns.TXT:
		return strings.Join(v.Txt, " ")
	case *dns.NS:
		return v.Ns
	case *dns.PTR:
		return v.Ptr
	case *dns.MX:
		return v.Mx
	}
	return strings.TrimPrefix(rr.String(), rr.Header().String())
}
