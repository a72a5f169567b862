// Package geoip supplies the country/continent oracle the path selector's
// GeoIP-aware restrictions consume: country_of(ip) -> Option<CountryCode>
// backed by a MaxMind database, plus a static continent_of(country) map and
// a coarser ocean-group partition derived from it. Grounded on
// folbricht-routedns/geoip-db.go's maxminddb.Reader usage.
package geoip

import (
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// CountryLookup resolves an IPv4 address (as a big-endian uint32, this
// repo's native router-address representation) to an ISO 3166-1 alpha-2
// country code. ok is false when the address isn't present in the database.
type CountryLookup interface {
	CountryOf(ip uint32) (code string, ok bool)
}

// MaxMindLookup is a CountryLookup backed by a MaxMind GeoLite2-Country (or
// GeoIP2-Country) database.
type MaxMindLookup struct {
	db *maxminddb.Reader
}

// Open opens the .mmdb file at path. The caller must Close it when done.
func Open(path string) (*MaxMindLookup, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &MaxMindLookup{db: db}, nil
}

// Close releases the underlying database file.
func (m *MaxMindLookup) Close() error { return m.db.Close() }

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// CountryOf implements CountryLookup.
func (m *MaxMindLookup) CountryOf(ip uint32) (string, bool) {
	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := m.db.Lookup(uint32ToIP(ip), &record); err != nil {
		return "", false
	}
	if record.Country.ISOCode == "" {
		return "", false
	}
	return record.Country.ISOCode, true
}

// continentOf is the static country->continent map spec.md treats as an
// external oracle alongside country_of. Coverage favors the country codes
// that actually appear in a Tor consensus (relay-hosting countries);
// anything absent resolves to "" (unresolved), the same as an unresolved
// country code.
var continentOf = map[string]string{
	"US": "NA", "CA": "NA", "MX": "NA",
	"BR": "SA", "AR": "SA", "CL": "SA", "CO": "SA", "PE": "SA",
	"GB": "EU", "DE": "EU", "FR": "EU", "NL": "EU", "SE": "EU", "CH": "EU",
	"AT": "EU", "IT": "EU", "ES": "EU", "PL": "EU", "RO": "EU", "FI": "EU",
	"NO": "EU", "DK": "EU", "BE": "EU", "IE": "EU", "CZ": "EU", "UA": "EU",
	"RU": "EU", "LU": "EU", "IS": "EU", "PT": "EU", "GR": "EU", "BG": "EU",
	"HU": "EU", "SK": "EU", "LT": "EU", "LV": "EU", "EE": "EU", "MD": "EU",
	"CN": "AS", "JP": "AS", "KR": "AS", "IN": "AS", "SG": "AS", "HK": "AS",
	"ID": "AS", "MY": "AS", "TH": "AS", "VN": "AS", "IL": "AS", "TR": "AS",
	"AE": "AS", "TW": "AS",
	"ZA": "AF", "NG": "AF", "EG": "AF", "KE": "AF", "MA": "AF",
	"AU": "OC", "NZ": "OC",
}

// ContinentOf looks up the static continent for a resolved country code.
// Returns "" when the code is unrecognized.
func ContinentOf(countryCode string) string {
	return continentOf[countryCode]
}

// oceanGroupOf partitions continents by the ocean they predominantly
// border, a coarser grouping than Continent used by OceanPhobic — pairs
// that sit across the same ocean from one another (e.g. the Americas and
// western Europe across the Atlantic) are still grouped apart, so a hop
// between them counts as an ocean crossing that OceanPhobic limits
// (OceanPhobic(0) forbids it), while a continent change within the same
// basin does not count.
var oceanGroupOf = map[string]string{
	"NA": "ATLANTIC_WEST",
	"SA": "ATLANTIC_WEST",
	"EU": "ATLANTIC_EAST",
	"AF": "ATLANTIC_EAST",
	"AS": "PACIFIC_WEST",
	"OC": "PACIFIC_WEST",
}

// OceanGroupOf derives the ocean group for a continent code. Returns ""
// when the continent is unrecognized.
func OceanGroupOf(continent string) string {
	return oceanGroupOf[continent]
}
