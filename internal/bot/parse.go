package bot

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	defaultLeadLimit = 10
	maxLeadLimit     = 50
)

// ParseChannelArg extracts a channel ID from a command argument string.
func ParseChannelArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("channel ID is required")
	}
	id, err := strconv.ParseInt(strings.Fields(s)[0], 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid channel ID %q", s)
	}
	return id, nil
}

// ParseLimitArg extracts an optional lead count between 1 and maxLeadLimit.
func ParseLimitArg(args string) (int, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return defaultLeadLimit, nil
	}
	n, err := strconv.Atoi(strings.Fields(s)[0])
	if err != nil || n < 1 || n > maxLeadLimit {
		return 0, fmt.Errorf("count must be between 1 and %d", maxLeadLimit)
	}
	return n, nil
}
