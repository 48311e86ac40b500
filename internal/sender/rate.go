package sender

import (
	"fmt"
	"strings"

	"github.com/c2h5oh/datasize"

	"github.com/pktlat-platform/pktlat/common/go/xerror"
)

// ParseRate parses a transmit rate in bits per second with binary
// k/m/g suffixes, e.g. "1G", "20m", "1000k", "128".
//
// The suffix table follows datasize: k is 2^10, m is 2^20, g is 2^30.
// Earlier revisions of the original tool shifted g by 40 bits, which
// produced terabit rates nobody asked for.
func ParseRate(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty rate: %w", xerror.ErrBadParam)
	}

	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("failed to parse TX rate %q (%v): %w", s, err, xerror.ErrBadParam)
	}
	return uint64(v), nil
}
