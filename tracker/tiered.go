package tracker

import (
	"context"
	"fmt"
	"strings"
)

// Tiered aggregates peers from multiple announce URLs, trying each with
// the Announcer matching its scheme, grounded on torrent/tracker.go's
// SendTrackerResponse multi-tracker aggregation. It is a convenience on top
// of Announcer, not a replacement for it — the coordinator only ever needs
// a single Announcer.
type Tiered struct {
	HTTP *HTTPAnnouncer
	UDP  *UDPAnnouncer
	URLs []string
}

func (t *Tiered) Announce(ctx context.Context, _ string, req Request) (Response, error) {
	seen := map[string]struct{}{}
	merged := Response{}
	var lastErr error

	for _, announceURL := range t.URLs {
		var resp Response
		var err error

		switch {
		case strings.HasPrefix(announceURL, "http://"), strings.HasPrefix(announceURL, "https://"):
			if t.HTTP == nil {
				continue
			}
			resp, err = t.HTTP.Announce(ctx, announceURL, req)
		case strings.HasPrefix(announceURL, "udp://"):
			if t.UDP == nil {
				continue
			}
			resp, err = t.UDP.Announce(ctx, announceURL, req)
		default:
			continue
		}

		if err != nil {
			lastErr = err
			continue
		}

		if merged.Interval == 0 || resp.Interval < merged.Interval {
			merged.Interval = resp.Interval
		}
		for _, p := range resp.Peers {
			key := p.String()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged.Peers = append(merged.Peers, p)
		}
	}

	if len(merged.Peers) == 0 {
		if lastErr != nil {
			return Response{}, fmt.Errorf("tracker: no peers from any tracker, last error: %w", lastErr)
		}
		return Response{}, fmt.Errorf("tracker: no peers received from any tracker")
	}

	return merged, nil
}
