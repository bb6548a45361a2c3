package dnsquery

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"

	"github.com/taihen/nsbench/pkg/config"
)

// Exchanger sends a DNS message and returns the reply. *dns.Client satisfies it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// maxTransportTimeout bounds the dns.Client socket timeouts; the per-request
// context deadline is what normally ends a query.
const maxTransportTimeout = 30 * time.Second

// NewExchanger returns the Exchanger for a server's protocol.
func NewExchanger(server config.ServerInfo) (Exchanger, error) {
	switch server.Protocol {
	case config.UDP, "":
		return &dns.Client{Net: "udp", Timeout: maxTransportTimeout}, nil
	case config.TCP:
		return &dns.Client{Net: "tcp", Timeout: maxTransportTimeout}, nil
	case config.DOT:
		return &dns.Client{
			Net:       "tcp-tls",
			Timeout:   maxTransportTimeout,
			TLSConfig: &tls.Config{ServerName: server.Hostname, MinVersion: tls.VersionTLS12},
		}, nil
	case config.DOQ:
		return &doqExchanger{
			tlsConfig: &tls.Config{
				ServerName: server.Hostname,
				NextProtos: []string{"doq"},
				MinVersion: tls.VersionTLS13,
			},
		}, nil
	}
	return nil, fmt.Errorf("unsupported protocol %q", server.Protocol)
}

// doqExchanger implements DNS over QUIC (RFC 9250), one stream per query.
type doqExchanger struct {
	tlsConfig *tls.Config
}

func (d *doqExchanger) ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error) {
	start := time.Now()
	conn, err := quic.DialAddr(ctx, address, d.tlsConfig.Clone(), &quic.Config{})
	if err != nil {
		return nil, 0, fmt.Errorf("quic dial %s: %w", address, err)
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("quic open stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	// DoQ requires a zero message ID on the wire.
	q := m.Copy()
	q.Id = 0
	packed, err := q.Pack()
	if err != nil {
		return nil, 0, err
	}
	frame := make([]byte, 2+len(packed))
	binary.BigEndian.PutUint16(frame, uint16(len(packed)))
	copy(frame[2:], packed)
	if _, err := stream.Write(frame); err != nil {
		return nil, 0, fmt.Errorf("quic write: %w", err)
	}
	_ = stream.Close()

	var length [2]byte
	if _, err := io.ReadFull(stream, length[:]); err != nil {
		return nil, 0, fmt.Errorf("quic read length: %w", err)
	}
	body := make([]byte, binary.BigEndian.Uint16(length[:]))
	if _, err := io.ReadFull(stream, body); err != nil {
		return nil, 0, fmt.Errorf("quic read body: %w", err)
	}
	resp := new(dns.Msg)
	if err := resp.Unpack(body); err != nil {
		return nil, 0, err
	}
	resp.Id = m.Id
	return resp, time.Since(start), nil
}
