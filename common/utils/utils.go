package utils

import (
	"net"
	"os"
	"time"

	"github.com/jackpal/gateway"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	Epsilon = 1.0e-6
)

var (
	EpsilonDecimal = decimal.NewFromFloat(Epsilon)

	ErrNoLocalIP = errors.New("cannot determine a local IP address")
)

// GetEnv returns the value of the named environment variable, or def when it
// is unset or empty.
func GetEnv(name string, def string) string {
	val := os.Getenv(name)
	if len(val) > 0 {
		return val
	}
	return def
}

// EqualWithTolerance compares two decimal values and returns true when they
// differ by less than Epsilon. Fractional device shares accumulate rounding
// noise across repeated allocate/free cycles.
func EqualWithTolerance(d1 decimal.Decimal, d2 decimal.Decimal) bool {
	return d1.Sub(d2).Abs().LessThan(EpsilonDecimal)
}

// TimestampISO renders a timestamp the way every wire message does.
func TimestampISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.999Z07:00")
}

// GetIP returns the host's outward-facing IP address: the address of the
// interface holding the default route when one can be discovered, otherwise
// the first non-loopback IPv4 address of any interface.
func GetIP() (string, error) {
	if ip, err := gateway.DiscoverInterface(); err == nil && ip != nil {
		return ip.String(), nil
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", errors.Wrap(err, "cannot enumerate network interfaces")
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String(), nil
		}
	}
	return "", ErrNoLocalIP
}
