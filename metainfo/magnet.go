package metainfo

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Magnet link components.
type Magnet struct {
	InfoHash    Hash
	Trackers    []string   // "tr" values
	DisplayName string     // "dn" value, if not empty
	Params      url.Values // remaining values, such as "x.pe", "xs"
}

const btihPrefix = "urn:btih:"

func (m Magnet) String() string {
	vs := make(url.Values, len(m.Params)+len(m.Trackers)+1)
	for k, v := range m.Params {
		vs[k] = append([]string(nil), v...)
	}
	for _, tr := range m.Trackers {
		vs.Add("tr", tr)
	}
	if m.DisplayName != "" {
		vs.Add("dn", m.DisplayName)
	}
	// Clients expect "urn:btih:" unescaped and leading.
	u := url.URL{
		Scheme:   "magnet",
		RawQuery: "xt=" + btihPrefix + m.InfoHash.HexString(),
	}
	if len(vs) != 0 {
		u.RawQuery += "&" + vs.Encode()
	}
	return u.String()
}

// ParseMagnetUri parses a magnet-formatted URI into its components.
func ParseMagnetUri(uri string) (m Magnet, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		err = fmt.Errorf("error parsing uri: %w", err)
		return
	}
	if u.Scheme != "magnet" {
		err = fmt.Errorf("unexpected scheme %q", u.Scheme)
		return
	}
	q := u.Query()
	xt := q.Get("xt")
	if !strings.HasPrefix(xt, btihPrefix) {
		err = fmt.Errorf("bad xt parameter: %q", xt)
		return
	}
	if m.InfoHash, err = parseEncodedV1Infohash(xt[len(btihPrefix):]); err != nil {
		err = fmt.Errorf("error parsing infohash %q: %w", xt, err)
		return
	}
	q.Del("xt")
	m.DisplayName = q.Get("dn")
	q.Del("dn")
	m.Trackers = q["tr"]
	q.Del("tr")
	if len(q) != 0 {
		m.Params = q
	}
	return
}

func parseEncodedV1Infohash(encoded string) (ih Hash, err error) {
	decode := func() func(dst, src []byte) (int, error) {
		switch len(encoded) {
		case 40:
			return hex.Decode
		case 32:
			return base32.StdEncoding.Decode
		}
		return nil
	}()
	if decode == nil {
		err = fmt.Errorf("unhandled xt parameter encoding (encoded length %d)", len(encoded))
		return
	}
	n, err := decode(ih[:], []byte(encoded))
	if err != nil {
		return
	}
	if n != HashSize {
		panic(n)
	}
	return
}
