package geoip

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP resolves client addresses to country and region codes for audience
// targeting. It reads a MaxMind database, or a JSON list of CIDR ranges when
// the file is not a MaxMind database.
type GeoIP struct {
	db     *geoip2.Reader
	ranges []cidrRange
}

type cidrRange struct {
	net     *net.IPNet
	country string
	region  string
}

// Open loads the database at path.
func Open(path string) (*GeoIP, error) {
	db, err := geoip2.Open(path)
	if err == nil {
		return &GeoIP{db: db}, nil
	}

	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return nil, fmt.Errorf("open geoip db %s: %w", path, err)
	}
	var entries []struct {
		Net     string `json:"net"`
		Country string `json:"country"`
		Region  string `json:"region"`
	}
	if jerr := json.Unmarshal(data, &entries); jerr != nil {
		return nil, fmt.Errorf("open geoip db %s: %w", path, err)
	}
	g := &GeoIP{}
	for _, e := range entries {
		if _, n, perr := net.ParseCIDR(e.Net); perr == nil {
			g.ranges = append(g.ranges, cidrRange{net: n, country: e.Country, region: e.Region})
		}
	}
	return g, nil
}

func (g *GeoIP) lookupRange(ip net.IP) (cidrRange, bool) {
	for _, r := range g.ranges {
		if r.net.Contains(ip) {
			return r, true
		}
	}
	return cidrRange{}, false
}

// Country returns the ISO country code for ip, or "" when unknown.
func (g *GeoIP) Country(ip net.IP) string {
	if g == nil || ip == nil {
		return ""
	}
	if g.db != nil {
		if rec, err := g.db.Country(ip); err == nil {
			return rec.Country.IsoCode
		}
	}
	r, _ := g.lookupRange(ip)
	return r.country
}

// Region returns the first subdivision code for ip, or "" when unknown.
func (g *GeoIP) Region(ip net.IP) string {
	if g == nil || ip == nil {
		return ""
	}
	if g.db != nil {
		if rec, err := g.db.City(ip); err == nil && len(rec.Subdivisions) > 0 {
			return rec.Subdivisions[0].IsoCode
		}
	}
	r, _ := g.lookupRange(ip)
	return r.region
}

// Close releases resources associated with the database.
func (g *GeoIP) Close() error {
	if g != nil && g.db != nil {
		return g.db.Close()
	}
	return nil
}
