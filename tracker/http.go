package tracker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	bencodego "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// wirePeer mirrors a non-compact tracker peer dict: {ip, port}. Compact
// peer lists are explicitly out of scope.
type wirePeer struct {
	IP   string `bencode:"ip"`
	Port int    `bencode:"port"`
}

type wireResponse struct {
	Peers    []wirePeer `bencode:"peers"`
	Interval int        `bencode:"interval"`
	Failure  string      `bencode:"failure reason"`
}

// HTTPAnnouncer sends GET announce requests to an HTTP tracker and decodes
// its bencoded reply, grounded on torrent/tracker.go's
// SendHTTPTrackerRequest.
type HTTPAnnouncer struct {
	Client *http.Client
}

// NewHTTPAnnouncer builds an HTTPAnnouncer with a sane request timeout.
func NewHTTPAnnouncer() *HTTPAnnouncer {
	return &HTTPAnnouncer{Client: &http.Client{Timeout: 15 * time.Second}}
}

func (a *HTTPAnnouncer) Announce(ctx context.Context, announceURL string, req Request) (Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return Response{}, errors.Wrap(err, "tracker: parsing announce URL")
	}

	params := url.Values{}
	params.Set("info_hash", string(req.InfoHash[:]))
	params.Set("peer_id", string(req.PeerID[:]))
	params.Set("port", fmt.Sprintf("%d", req.Port))
	params.Set("uploaded", fmt.Sprintf("%d", req.Uploaded))
	params.Set("downloaded", fmt.Sprintf("%d", req.Downloaded))
	params.Set("left", fmt.Sprintf("%d", req.Left))
	u.RawQuery = params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Response{}, errors.Wrap(err, "tracker: building request")
	}
	httpReq.Header.Set("User-Agent", "leech/1.0")

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, errors.Wrap(err, "tracker: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("tracker: status %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return Response{}, errors.Wrap(err, "tracker: reading response body")
	}

	var wire wireResponse
	if err := bencodego.Unmarshal(bytes.NewReader(buf.Bytes()), &wire); err != nil {
		return Response{}, errors.Wrap(err, "tracker: decoding bencoded response")
	}

	if wire.Failure != "" {
		return Response{}, fmt.Errorf("tracker: failure reason: %s", wire.Failure)
	}

	out := Response{Interval: wire.Interval}
	for _, p := range wire.Peers {
		out.Peers = append(out.Peers, Peer{IP: p.IP, Port: uint16(p.Port)})
	}

	return out, nil
}
