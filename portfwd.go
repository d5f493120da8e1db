package torrent

import (
	"context"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/upnp"
)

const (
	upnpID            = "driftbit/torrent"
	portMapRenewDelay = 15 * time.Minute
)

func (s *Session) addPortMapping(d upnp.Device, proto upnp.Protocol, internalPort int) {
	externalPort, err := d.AddPortMapping(proto, internalPort, internalPort, upnpID, 0)
	if err != nil {
		s.logger.Levelf(log.Warning, "error adding %s port mapping: %v", proto, err)
	} else if externalPort != internalPort {
		s.logger.Levelf(log.Warning, "external port %d does not match internal port %d in port mapping", externalPort, internalPort)
	} else {
		s.logger.Levelf(log.Debug, "forwarded external %s port %d", proto, externalPort)
	}
}

// taskPortForward maps the listen port on whatever upnp devices answer
// discovery, renewing periodically since leases on some routers quietly
// expire.
func (s *Session) taskPortForward(ctx context.Context) error {
	for {
		ds := upnp.Discover(0, 2*time.Second, s.logger.WithContextText("upnp-discover"))
		s.logger.Levelf(log.Debug, "discovered %d upnp devices", len(ds))
		for _, d := range ds {
			go s.addPortMapping(d, upnp.TCP, s.listenPort)
			go s.addPortMapping(d, upnp.UDP, s.listenPort)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(portMapRenewDelay):
		}
	}
}
