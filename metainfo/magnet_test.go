package metainfo

import (
	"testing"

	"github.com/go-quicktest/qt"
)

const exampleMagnet = "magnet:?xt=urn:btih:51340689c960f0778a4387aef9b4b52fd08390cd" +
	"&dn=Shit%20Movie%20%281985%29%201337p&tr=http%3A%2F%2Fhttp.was.great%21" +
	"&tr=udp%3A%2F%2Fanti.piracy.honeypot%3A6969"

func TestParseMagnetUri(t *testing.T) {
	m, err := ParseMagnetUri(exampleMagnet)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(m.InfoHash.HexString(), "51340689c960f0778a4387aef9b4b52fd08390cd"))
	qt.Check(t, qt.Equals(m.DisplayName, "Shit Movie (1985) 1337p"))
	qt.Check(t, qt.DeepEquals(m.Trackers, []string{
		"http://http.was.great!",
		"udp://anti.piracy.honeypot:6969",
	}))
}

func TestParseMagnetUriBase32(t *testing.T) {
	m, err := ParseMagnetUri("magnet:?xt=urn:btih:KRWPCX3SJUM4IMM4YF5RPHL6ANPYTQPU")
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(m.InfoHash.HexString(), "546cf15f724d19c4319cc17b179d7e035f89c1f4"))
}

func TestParseMagnetUriErrors(t *testing.T) {
	for _, uri := range []string{
		"http://example.com/file.torrent",
		"magnet:?xt=urn:btih:gggggggggggggggggggggggggggggggggggggggg",
		"magnet:?xt=urn:sha1:51340689c960f0778a4387aef9b4b52fd08390cd",
		"magnet:?dn=missing-xt",
	} {
		_, err := ParseMagnetUri(uri)
		qt.Check(t, qt.IsNotNil(err), qt.Commentf("uri: %s", uri))
	}
}

func TestMagnetStringRoundTrip(t *testing.T) {
	m, err := ParseMagnetUri(exampleMagnet)
	qt.Assert(t, qt.IsNil(err))
	m2, err := ParseMagnetUri(m.String())
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.DeepEquals(m2, m))
}
