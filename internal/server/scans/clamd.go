package scans

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dmitrijs2005/docuvault/internal/common"
	"github.com/dmitrijs2005/docuvault/internal/server/models"
)

// clamdChunkSize is the INSTREAM chunk length sent to the daemon.
const clamdChunkSize = 64 << 10

// ClamdProvider scans through a ClamAV daemon using the INSTREAM command
// over TCP. Each scan opens its own connection; the daemon multiplexes.
type ClamdProvider struct {
	addr    string
	timeout time.Duration
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewClamdProvider(addr string, timeout time.Duration) *ClamdProvider {
	d := &net.Dialer{}
	return &ClamdProvider{addr: addr, timeout: timeout, dial: d.DialContext}
}

func (p *ClamdProvider) Name() string { return "clamav" }

// IsAvailable pings the daemon with a short deadline.
func (p *ClamdProvider) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		return false
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("zPING\x00")); err != nil {
		return false
	}
	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil {
		return false
	}
	return strings.HasPrefix(reply, "PONG")
}

// Scan streams the payload with INSTREAM and parses the single-line reply.
// "stream: OK" is clean; "stream: <name> FOUND" is a detection.
func (p *ClamdProvider) Scan(ctx context.Context, data []byte, sha256hex, filename string) (Result, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		return Result{}, fmt.Errorf("%w: clamd dial: %v", common.ErrProviderUnavailable, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return Result{}, fmt.Errorf("%w: clamd write: %v", common.ErrProviderUnavailable, err)
	}

	var sizeBuf [4]byte
	for off := 0; off < len(data); off += clamdChunkSize {
		end := off + clamdChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(chunk)))
		if _, err := conn.Write(sizeBuf[:]); err != nil {
			return Result{}, fmt.Errorf("%w: clamd write: %v", common.ErrProviderUnavailable, err)
		}
		if _, err := conn.Write(chunk); err != nil {
			return Result{}, fmt.Errorf("%w: clamd write: %v", common.ErrProviderUnavailable, err)
		}
	}
	// zero-length chunk terminates the stream
	binary.BigEndian.PutUint32(sizeBuf[:], 0)
	if _, err := conn.Write(sizeBuf[:]); err != nil {
		return Result{}, fmt.Errorf("%w: clamd write: %v", common.ErrProviderUnavailable, err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil {
		return Result{}, fmt.Errorf("%w: clamd read: %v", common.ErrProviderUnavailable, err)
	}
	reply = strings.TrimSuffix(strings.TrimSpace(reply), "\x00")

	res := Result{Provider: p.Name(), Duration: time.Since(start)}

	switch {
	case strings.HasSuffix(reply, "OK"):
		res.Status = models.ScanClean
		res.ThreatLevel = models.ThreatClean
	case strings.HasSuffix(reply, "FOUND"):
		name := reply
		name = strings.TrimPrefix(name, "stream: ")
		name = strings.TrimSuffix(name, " FOUND")
		res.Status = models.ScanInfected
		res.ThreatLevel = models.ThreatMalicious
		res.Threats = []models.Threat{{Name: name, Type: "virus", Severity: "high"}}
	default:
		return Result{}, fmt.Errorf("%w: unexpected clamd reply %q", common.ErrProviderUnavailable, reply)
	}

	return res, nil
}
