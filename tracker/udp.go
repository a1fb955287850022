package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// UDPAnnouncer speaks the BEP-15 UDP tracker protocol, grounded on
// torrent/tracker.go's SendUDPTrackerRequest/CreateAnnounceRequest. It is
// supplemental to the core, which only requires an HTTP tracker, but is a
// full Announcer, usable anywhere one is accepted.
type UDPAnnouncer struct {
	DialTimeout time.Duration
}

const (
	udpProtocolID  = 0x41727101980
	udpActionConn  = 0
	udpActionAnnounce = 1
	udpActionError = 3
	udpNumWant     = -1
)

func (a *UDPAnnouncer) timeout() time.Duration {
	if a.DialTimeout > 0 {
		return a.DialTimeout
	}
	return 5 * time.Second
}

func randomTransactionID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func (a *UDPAnnouncer) Announce(ctx context.Context, announceURL string, req Request) (Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return Response{}, errors.Wrap(err, "tracker: parsing UDP announce URL")
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return Response{}, errors.Wrap(err, "tracker: resolving UDP address")
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return Response{}, errors.Wrap(err, "tracker: dialing UDP tracker")
	}
	defer conn.Close()

	transactionID, err := randomTransactionID()
	if err != nil {
		return Response{}, err
	}

	connectReq := make([]byte, 16)
	binary.BigEndian.PutUint64(connectReq[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(connectReq[8:12], udpActionConn)
	binary.BigEndian.PutUint32(connectReq[12:16], transactionID)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(a.timeout()))
	}

	if _, err := conn.Write(connectReq); err != nil {
		return Response{}, errors.Wrap(err, "tracker: sending UDP connect")
	}

	connResp := make([]byte, 16)
	n, err := conn.Read(connResp)
	if err != nil {
		return Response{}, errors.Wrap(err, "tracker: reading UDP connect response")
	}
	if n < 16 {
		return Response{}, fmt.Errorf("tracker: short UDP connect response: %d bytes", n)
	}
	if binary.BigEndian.Uint32(connResp[0:4]) != udpActionConn {
		return Response{}, fmt.Errorf("tracker: unexpected UDP connect action")
	}
	if binary.BigEndian.Uint32(connResp[4:8]) != transactionID {
		return Response{}, fmt.Errorf("tracker: UDP transaction id mismatch")
	}
	connectionID := binary.BigEndian.Uint64(connResp[8:16])

	announceReq := make([]byte, 98)
	binary.BigEndian.PutUint64(announceReq[0:8], connectionID)
	binary.BigEndian.PutUint32(announceReq[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(announceReq[12:16], transactionID)
	copy(announceReq[16:36], req.InfoHash[:])
	copy(announceReq[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(announceReq[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(announceReq[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(announceReq[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(announceReq[80:84], 2) // event = started
	numWant := int32(udpNumWant)
	binary.BigEndian.PutUint32(announceReq[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(announceReq[96:98], uint16(req.Port))

	if _, err := conn.Write(announceReq); err != nil {
		return Response{}, errors.Wrap(err, "tracker: sending UDP announce")
	}

	resp := make([]byte, 1024)
	n, err = conn.Read(resp)
	if err != nil {
		return Response{}, errors.Wrap(err, "tracker: reading UDP announce response")
	}
	if n < 20 {
		return Response{}, fmt.Errorf("tracker: short UDP announce response: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if action == udpActionError {
		return Response{}, fmt.Errorf("tracker: UDP error: %s", string(resp[8:n]))
	}
	if action != udpActionAnnounce {
		return Response{}, fmt.Errorf("tracker: unexpected UDP announce action %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return Response{}, fmt.Errorf("tracker: UDP transaction id mismatch on announce")
	}

	interval := int(binary.BigEndian.Uint32(resp[8:12]))
	peerBytes := resp[20:n]
	if len(peerBytes)%6 != 0 {
		return Response{}, fmt.Errorf("tracker: UDP peer list length %d not a multiple of 6", len(peerBytes))
	}

	out := Response{Interval: interval}
	for i := 0; i+6 <= len(peerBytes); i += 6 {
		ip := net.IPv4(peerBytes[i], peerBytes[i+1], peerBytes[i+2], peerBytes[i+3]).String()
		port := binary.BigEndian.Uint16(peerBytes[i+4 : i+6])
		out.Peers = append(out.Peers, Peer{IP: ip, Port: port})
	}

	return out, nil
}
