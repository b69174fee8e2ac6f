package broker

import (
	"encoding/json"
	"os"
)

// Router maps a connecting client's country/continent to the shard ID
// that should serve it, falling back to continent and then to a
// default shard when no more specific entry exists. The table is a
// plain static lookup (no geo-IP database dependency appears anywhere
// in this codebase's ancestry), optionally overridden at startup from
// a JSON file for deployments that need to tune the assignment without
// a rebuild.
type Router struct {
	byCountry  map[string]string
	byContinent map[string]string
	defaultShard string
}

// locationTable is the on-disk JSON shape accepted by LOCATION_TABLE_PATH.
type locationTable struct {
	Countries map[string]string `json:"countries"`
	Continents map[string]string `json:"continents"`
	Default    string             `json:"default"`
}

// builtInContinents maps Cloudflare-style two-letter continent codes to
// this relay's default shard topology (BROKER_SHARDS' nine-region
// default from internal/config).
var builtInContinents = map[string]string{
	"NA": "ENAM",
	"SA": "SAM",
	"EU": "WEUR",
	"AF": "AFR",
	"AS": "APAC",
	"OC": "OC",
}

// builtInCountries overrides a handful of large countries that split
// across the continent-level default (e.g. US West vs US East, or
// Russia spanning EU/AS) with a more specific shard.
var builtInCountries = map[string]string{
	"US": "ENAM",
	"CA": "ENAM",
	"MX": "WNAM",
	"GB": "WEUR",
	"DE": "WEUR",
	"FR": "WEUR",
	"PL": "EEUR",
	"RU": "EEUR",
	"IN": "APAC",
	"JP": "APAC",
	"CN": "APAC",
	"AU": "OC",
	"NZ": "OC",
	"BR": "SAM",
	"AR": "SAM",
	"ZA": "AFR",
	"NG": "AFR",
	"AE": "ME",
	"SA": "ME",
	"IL": "ME",
}

// NewRouter builds a Router from the built-in table, or from the JSON
// file at path if non-empty.
func NewRouter(path, defaultShard string) (*Router, error) {
	if path == "" {
		return &Router{
			byCountry:    builtInCountries,
			byContinent:  builtInContinents,
			defaultShard: defaultShard,
		}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t locationTable
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	shard := t.Default
	if shard == "" {
		shard = defaultShard
	}
	return &Router{byCountry: t.Countries, byContinent: t.Continents, defaultShard: shard}, nil
}

// Route returns the shard ID that should serve a client identified by
// country and continent codes (either may be empty), falling back from
// country to continent to the configured default.
func (r *Router) Route(country, continent string) string {
	if country != "" {
		if shard, ok := r.byCountry[country]; ok {
			return shard
		}
	}
	if continent != "" {
		if shard, ok := r.byContinent[continent]; ok {
			return shard
		}
	}
	return r.defaultShard
}
