package meta

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

type Magnet struct {
	InfoHash  [sha1.Size]byte
	Name      string
	Trackers  []string
	SeedPeers []string // host:port entries parsed from x.pe
}

func ParseMagnet(magnetURL string) (*Magnet, error) {
	u, err := url.Parse(magnetURL)
	if err != nil {
		return nil, fmt.Errorf("magnet url parse failed: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("invalid magnet scheme '%s'", u.Scheme)
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("magnet params parse failed: %w", err)
	}

	magnet := &Magnet{}

	xt, ok := params["xt"]
	if !ok || len(xt) == 0 {
		return nil, fmt.Errorf("magnet url missing 'xt'")
	}
	xtVal := xt[0]
	if !strings.HasPrefix(xtVal, "urn:btih:") {
		return nil, fmt.Errorf("invalid 'xt' value: must be in 'urn:btih:<hash>' format")
	}

	hashString := strings.TrimPrefix(xtVal, "urn:btih:")
	if len(hashString) != sha1.Size*2 { // 20 bytes = 40 hex chars
		return nil, fmt.Errorf("invalid infohash length")
	}
	hashBytes, err := hex.DecodeString(hashString)
	if err != nil {
		return nil, fmt.Errorf("failed to decode infohash: %w", err)
	}
	copy(magnet.InfoHash[:], hashBytes)

	if dn, ok := params["dn"]; ok && len(dn) > 0 {
		magnet.Name = dn[0]
	}

	if tr, ok := params["tr"]; ok {
		magnet.Trackers = make([]string, 0, len(tr))
		for _, t := range tr {
			magnet.Trackers = append(magnet.Trackers, rewriteAnnounceURL(t))
		}
	}

	if pe, ok := params["x.pe"]; ok {
		magnet.SeedPeers = append(magnet.SeedPeers, pe...)
	}

	return magnet, nil
}

// rewriteAnnounceURL applies the workaround for magnet trackers advertised
// over udp://: the URL is rewritten to http:// with an /announce path, so
// magnet trackers are always announced to over HTTP. udp:// URLs from a
// .torrent file are not rewritten and go to the tracker package's UDP
// client.
func rewriteAnnounceURL(raw string) string {
	if !strings.HasPrefix(raw, "udp://") {
		return raw
	}

	rewritten := "http://" + strings.TrimPrefix(raw, "udp://")

	u, err := url.Parse(rewritten)
	if err != nil {
		return rewritten
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/announce"
	}

	return u.String()
}
