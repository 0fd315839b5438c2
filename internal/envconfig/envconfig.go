// Package envconfig resolves process-wide configuration and
// per-entity BMS credentials from environment variables, per §6 of
// the external-interfaces contract.
package envconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// TSStoreConfig configures the InfluxDB v2 time-series writer.
type TSStoreConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Valid reports whether all fields required for live writes are
// present.
func (c TSStoreConfig) Valid() bool {
	return c.URL != "" && c.Token != "" && c.Org != "" && c.Bucket != ""
}

// LoadTSStoreConfig reads INFLUXDB_URL/TOKEN/ORG/BUCKET.
func LoadTSStoreConfig() TSStoreConfig {
	return TSStoreConfig{
		URL:    os.Getenv("INFLUXDB_URL"),
		Token:  os.Getenv("INFLUXDB_TOKEN"),
		Org:    os.Getenv("INFLUXDB_ORG"),
		Bucket: os.Getenv("INFLUXDB_BUCKET"),
	}
}

// SeqConfig configures the optional structured event log sink.
type SeqConfig struct {
	URL    string
	APIKey string
}

// Enabled reports whether a SEQ_URL was configured.
func (c SeqConfig) Enabled() bool {
	return c.URL != ""
}

// LoadSeqConfig reads SEQ_URL/SEQ_API_KEY.
func LoadSeqConfig() SeqConfig {
	return SeqConfig{
		URL:    os.Getenv("SEQ_URL"),
		APIKey: os.Getenv("SEQ_API_KEY"),
	}
}

// PollOffsetSeconds reads the optional POLL_OFFSET_SECONDS stagger
// used to smear load across entities sharing a poll interval.
func PollOffsetSeconds() int {
	v := os.Getenv("POLL_OFFSET_SECONDS")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// OpsAPIAddr reads OPSAPI_ADDR, the listen address for the read-only
// /healthz and /metrics endpoints. Defaults to ":8099"; set to the
// literal "off" to disable the ops API entirely.
func OpsAPIAddr() string {
	if v := os.Getenv("OPSAPI_ADDR"); v != "" {
		return v
	}
	return ":8099"
}

// DefaultLocation reads LATITUDE/LONGITUDE, used only by out-of-scope
// backfill tools as a fallback when an entity record lacks coordinates.
func DefaultLocation() (latitude, longitude float64, ok bool) {
	latStr := os.Getenv("LATITUDE")
	lonStr := os.Getenv("LONGITUDE")
	if latStr == "" || lonStr == "" {
		return 0, 0, false
	}
	lat, errLat := strconv.ParseFloat(latStr, 64)
	lon, errLon := strconv.ParseFloat(lonStr, 64)
	if errLat != nil || errLon != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

// DropboxConfig configures the optional energy-import source.
type DropboxConfig struct {
	AppKey      string
	AppSecret   string
	AccessToken string
}

// Enabled reports whether Dropbox energy import is configured.
func (c DropboxConfig) Enabled() bool {
	return c.AccessToken != ""
}

// LoadDropboxConfig reads DROPBOX_APP_KEY/APP_SECRET/ACCESS_TOKEN.
func LoadDropboxConfig() DropboxConfig {
	return DropboxConfig{
		AppKey:      os.Getenv("DROPBOX_APP_KEY"),
		AppSecret:   os.Getenv("DROPBOX_APP_SECRET"),
		AccessToken: os.Getenv("DROPBOX_ACCESS_TOKEN"),
	}
}

// EnergyImportDir reads ENERGY_IMPORT_DIR, the local staging directory
// used for energy meter file import when Dropbox isn't configured.
// Defaults to "data/energy_import" under the working directory.
func EnergyImportDir() string {
	if v := os.Getenv("ENERGY_IMPORT_DIR"); v != "" {
		return v
	}
	return "data/energy_import"
}

// EnergyColumnSynonymsPath reads ENERGY_COLUMN_SYNONYMS_PATH, the
// optional YAML header-synonym table path. Empty means fall back to
// the built-in default table.
func EnergyColumnSynonymsPath() string {
	return os.Getenv("ENERGY_COLUMN_SYNONYMS_PATH")
}

// Credentials is a resolved BMS username/password/domain triple.
type Credentials struct {
	Username string
	Password string
	Domain   string
}

// Explicit holds credentials supplied directly by the caller (e.g. a
// worker constructed from test fixtures or an onboarding tool),
// taking priority over every environment-derived source.
type Explicit struct {
	Username string
	Password string
	Domain   string
}

// ResolveCredentials implements the credential-resolution chain from
// §6: explicit args, then BMS_USERNAME/PASSWORD, then
// <credential_ref>_USERNAME/_PASSWORD/_DOMAIN, then the legacy
// BUILDING_<entity_id>_USERNAME/_PASSWORD, then legacy
// ARRIGO_USERNAME/ARRIGO_PASSWORD. Missing credentials are reported as
// an error so the supervisor can fail startup for that entity alone.
func ResolveCredentials(explicit *Explicit, credentialRef, entityID string) (Credentials, error) {
	if explicit != nil && explicit.Username != "" && explicit.Password != "" {
		return Credentials{Username: explicit.Username, Password: explicit.Password, Domain: explicit.Domain}, nil
	}

	if u, p, ok := envPair("BMS_USERNAME", "BMS_PASSWORD", ""); ok {
		return Credentials{Username: u, Password: p}, nil
	}

	if credentialRef != "" {
		ref := strings.ToUpper(credentialRef)
		if u, p, ok := envPair(ref+"_USERNAME", ref+"_PASSWORD", ref+"_DOMAIN"); ok {
			domain := os.Getenv(ref + "_DOMAIN")
			return Credentials{Username: u, Password: p, Domain: domain}, nil
		}
	}

	if entityID != "" {
		prefix := "BUILDING_" + strings.ToUpper(entityID)
		if u, p, ok := envPair(prefix+"_USERNAME", prefix+"_PASSWORD", ""); ok {
			return Credentials{Username: u, Password: p}, nil
		}
	}

	if u, p, ok := envPair("ARRIGO_USERNAME", "ARRIGO_PASSWORD", ""); ok {
		return Credentials{Username: u, Password: p}, nil
	}

	return Credentials{}, fmt.Errorf("no BMS credentials resolved for entity %q (credential_ref %q)", entityID, credentialRef)
}

func envPair(userKey, passKey, _domainKey string) (string, string, bool) {
	u := os.Getenv(userKey)
	p := os.Getenv(passKey)
	if u == "" || p == "" {
		return "", "", false
	}
	return u, p, true
}
