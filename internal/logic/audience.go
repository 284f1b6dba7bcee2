package logic

import (
	"net"
	"net/http"
	"strings"

	"github.com/avct/uasurfer"

	"github.com/patrickwarner/admatch/internal/geoip"
	"github.com/patrickwarner/admatch/internal/models"
)

// DeviceFromUA maps a User-Agent string to a coarse device class and reports
// whether it belongs to a crawler.
func DeviceFromUA(uaString string) (device string, bot bool) {
	if uaString == "" {
		return "", false
	}
	u := uasurfer.Parse(uaString)
	switch u.DeviceType {
	case uasurfer.DeviceComputer:
		device = "desktop"
	case uasurfer.DevicePhone:
		device = "mobile"
	case uasurfer.DeviceTablet:
		device = "tablet"
	default:
		device = "other"
	}
	return device, u.IsBot()
}

// ClientIP returns the first X-Forwarded-For address, else the remote host.
func ClientIP(r *http.Request) net.IP {
	ipStr := r.Header.Get("X-Forwarded-For")
	if ipStr != "" {
		if idx := strings.Index(ipStr, ","); idx != -1 {
			ipStr = ipStr[:idx]
		}
		ipStr = strings.TrimSpace(ipStr)
	} else {
		ipStr = r.RemoteAddr
		if host, _, err := net.SplitHostPort(ipStr); err == nil {
			ipStr = host
		}
	}
	return net.ParseIP(ipStr)
}

// ResolveAudience builds the demographic context for a request from its
// User-Agent and client address. g may be nil, in which case no geo fields
// are filled.
func ResolveAudience(r *http.Request, g *geoip.GeoIP) models.Audience {
	var a models.Audience
	a.Device, a.Bot = DeviceFromUA(r.Header.Get("User-Agent"))
	if g != nil {
		if ip := ClientIP(r); ip != nil {
			a.Country = g.Country(ip)
			a.Region = g.Region(ip)
		}
	}
	return a
}

// MatchesDemographics reports whether the audience satisfies a campaign's
// country, device and interest constraints. Empty constraints match everyone;
// an unknown audience value fails a non-empty constraint. Interests need at
// least one shared entry.
func MatchesDemographics(t models.Targeting, a models.Audience) (ok bool, reason string) {
	if len(t.Countries) > 0 && !containsFold(t.Countries, a.Country) {
		return false, models.ReasonGeoMismatch
	}
	if len(t.Devices) > 0 && !containsFold(t.Devices, a.Device) {
		return false, models.ReasonDeviceMismatch
	}
	if len(t.Interests) > 0 && !sharesInterest(t.Interests, a.Interests) {
		return false, models.ReasonInterestMismatch
	}
	return true, ""
}

func sharesInterest(targeted, declared []string) bool {
	for _, d := range declared {
		if containsFold(targeted, strings.TrimSpace(d)) {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
