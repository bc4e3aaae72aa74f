package calibration

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// NTPClient measures the informational NTP offset named in spec.md §4.1
// ("NTP comparison is informational only"). No NTP client exists anywhere
// in the retrieved example pack, so this is implemented directly against
// RFC 5905 rather than grounded on a pack dependency — see DESIGN.md.
type NTPClient interface {
	Offset(ctx context.Context) (time.Duration, error)
}

// SNTPClient is a minimal SNTP (RFC 5905 §8, simplified client mode) probe
// against a single server. It is deliberately narrow: one round trip, no
// peer selection, no clock filter algorithm — this value is never used to
// drive firing, only displayed alongside the server-offset measurement.
type SNTPClient struct {
	Server string // host:port, e.g. "pool.ntp.org:123"
}

const ntpEpochOffset = 2208988800 // seconds between 1900-01-01 and 1970-01-01

// Offset returns the remote-minus-local clock offset as measured by one
// NTP round trip.
func (s SNTPClient) Offset(ctx context.Context) (time.Duration, error) {
	server := s.Server
	if server == "" {
		server = "pool.ntp.org:123"
	}

	conn, err := net.DialTimeout("udp", server, 5*time.Second)
	if err != nil {
		return 0, fmt.Errorf("dial ntp server: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(5 * time.Second))
	}

	req := make([]byte, 48)
	req[0] = 0x1B // LI=0, VN=3, Mode=3 (client)

	t1 := time.Now()
	if _, err := conn.Write(req); err != nil {
		return 0, fmt.Errorf("send ntp request: %w", err)
	}

	resp := make([]byte, 48)
	n, err := conn.Read(resp)
	t4 := time.Now()
	if err != nil {
		return 0, fmt.Errorf("read ntp response: %w", err)
	}
	if n < 48 {
		return 0, fmt.Errorf("short ntp response: %d bytes", n)
	}

	t2 := ntpTimestampToTime(resp[32:40]) // receive timestamp at server
	t3 := ntpTimestampToTime(resp[40:48]) // transmit timestamp at server

	// Standard NTP offset formula: ((t2 - t1) + (t3 - t4)) / 2
	offset := ((t2.Sub(t1)) + (t3.Sub(t4))) / 2
	return offset, nil
}

func ntpTimestampToTime(b []byte) time.Time {
	seconds := binary.BigEndian.Uint32(b[0:4])
	fraction := binary.BigEndian.Uint32(b[4:8])
	nanos := int64(float64(fraction) / (1 << 32) * 1e9)
	return time.Unix(int64(seconds)-ntpEpochOffset, nanos).UTC()
}

// measureNTP is best-effort: failures are logged and treated as a zero
// offset, since NTP comparison never gates firing.
func (c *Calibrator) measureNTP(ctx context.Context, logger *slog.Logger) time.Duration {
	if c.ntp == nil {
		return 0
	}
	ntpCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	offset, err := c.ntp.Offset(ntpCtx)
	if err != nil {
		logger.WarnContext(ctx, "ntp comparison failed", "error", err)
		return 0
	}
	return offset
}
