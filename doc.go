/*
Package torrent implements the session layer of a BitTorrent client:
descriptor resolution, download state tracking and peer admission.

Simple example:

	s, _ := torrent.NewSession(ctx, "/downloads")
	defer s.Stop()
	resp, _ := s.AddTorrent(ctx, torrent.AddRequestFromURL(magnetLink), torrent.AddTorrentOptions{})
	log.Printf("added %v as id %d", resp.Torrent.Name(), resp.Id)
*/
package torrent
