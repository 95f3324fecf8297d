package proxmoxve

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/velesio/atrium/internal/rpc"
)

// ErrNoIPv4 is returned when guest command output carries no IPv4 address.
var ErrNoIPv4 = errors.New("no IPv4 address in guest output")

// Windows ipconfig output; "Autoconfiguration IPv4 Address" shows up while
// the guest still holds a link-local address.
var (
	ipv4Pattern = regexp.MustCompile(`(?:Autoconfiguration )?IPv4 Address[ .]*: ([0-9.]+)`)
	maskPattern = regexp.MustCompile(`Subnet Mask[ .]*: ([0-9.]+)`)
)

// ParseIPConfig extracts the first IPv4 address and subnet mask from
// `ipconfig /all` output.
func ParseIPConfig(out string) (*rpc.NetworkInfo, error) {
	ipMatch := ipv4Pattern.FindStringSubmatch(out)
	if ipMatch == nil {
		return nil, ErrNoIPv4
	}
	info := &rpc.NetworkInfo{IPAddress: ipMatch[1]}
	if maskMatch := maskPattern.FindStringSubmatch(out); maskMatch != nil {
		info.SubnetMask = maskMatch[1]
	}
	return info, nil
}

// toMap flattens a typed config struct into the generic map the RPC surface
// promises.
func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}
