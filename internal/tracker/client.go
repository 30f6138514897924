// Package tracker implements the HTTP tracker announce protocol (BEP 3):
// a single announce_url, periodic re-announce, compact or dictionary peer
// lists. Grounded on the teacher's internal/tracker/http_tracker.go,
// simplified from its tiered multi-URL / UDP-capable Tracker orchestrator
// down to the single-URL surface spec.md's external interfaces name.
package tracker

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rabbitwire/rabbit/internal/bencode"
	"github.com/rabbitwire/rabbit/internal/cast"
)

const maxTrackerResponseSize = 2 * 1024 * 1024 // 2MiB

// Event is the BEP 3 announce event.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return "none"
	}
}

// AnnounceParams is the set of query parameters sent with every announce.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	NumWant    uint32
	Event      Event
}

// AnnounceResponse is the tracker's decoded reply.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Seeders     int64
	Leechers    int64
	Peers       []netip.AddrPort
}

// Client announces to a single HTTP/HTTPS tracker.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	log     *slog.Logger

	mu        sync.RWMutex
	trackerID string
}

// New returns a Client for announceURL, which must use the http or https
// scheme.
func New(announceURL string, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid announce url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}

	return &Client{
		baseURL: u,
		log:     log.With("component", "tracker"),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}, nil
}

// Announce performs a single announce request and decodes the response.
func (c *Client) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildAnnounceURL(params), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: announce returned status %d: %s", resp.StatusCode, body)
	}

	ar, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	if ar.TrackerID != "" {
		c.mu.Lock()
		c.trackerID = ar.TrackerID
		c.mu.Unlock()
	}

	c.log.Info("announce ok",
		"peers", len(ar.Peers), "seeders", ar.Seeders, "leechers", ar.Leechers)

	return ar, nil
}

func (c *Client) buildAnnounceURL(p *AnnounceParams) string {
	u := *c.baseURL
	q := u.Query()

	q.Set("info_hash", string(p.InfoHash[:]))
	q.Set("peer_id", string(p.PeerID[:]))
	q.Set("port", strconv.Itoa(int(p.Port)))
	q.Set("uploaded", strconv.FormatUint(p.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(p.Downloaded, 10))
	q.Set("left", strconv.FormatUint(p.Left, 10))
	q.Set("compact", "1")

	if p.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(p.NumWant)))
	}
	if p.Event != EventNone {
		q.Set("event", p.Event.String())
	}

	c.mu.RLock()
	trackerID := c.trackerID
	c.mu.RUnlock()
	if trackerID != "" {
		q.Set("trackerid", trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTrackerResponseSize))
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: announce response is not a dict (%T)", raw)
	}

	if failure, ok := dict["failure reason"]; ok {
		s, _ := cast.ToString(failure)
		return nil, fmt.Errorf("tracker: failure reason: %s", s)
	}
	if warning, ok := dict["warning reason"]; ok {
		s, _ := cast.ToString(warning)
		// Tracker warnings are non-fatal; the text is read and discarded,
		// and AnnounceResponse does not carry it to the caller.
		_ = s
	}

	interval, err := cast.ToInt(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("tracker: interval: %w", err)
	}

	peers, err := parsePeers(dict)
	if err != nil {
		return nil, fmt.Errorf("tracker: peers: %w", err)
	}

	minInterval, _ := cast.ToInt(dict["min interval"])
	seeders, _ := cast.ToInt(dict["complete"])
	leechers, _ := cast.ToInt(dict["incomplete"])
	trackerID, _ := cast.ToString(dict["trackerid"])

	return &AnnounceResponse{
		TrackerID:   trackerID,
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
	}, nil
}

func parsePeers(d map[string]any) ([]netip.AddrPort, error) {
	v, ok := d["peers"]
	if !ok {
		return nil, nil
	}
	return decodePeerList(v, false)
}
