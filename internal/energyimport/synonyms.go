package energyimport

import (
	"os"

	"gopkg.in/yaml.v2"
)

// defaultSynonyms mirrors energy_importer.py's COLUMN_MAPPINGS dict. It
// is the fallback used when no synonym file is configured or the
// configured file can't be read, so the importer works out of the box;
// LoadSynonyms lets an operator extend it without a rebuild (spec §9).
var defaultSynonyms = map[string]string{
	"id":        "meter_id",
	"meter_id":  "meter_id",
	"meterid":   "meter_id",

	"timestamp": "timestamp",
	"time":      "timestamp",
	"datetime":  "timestamp",
	"datum":     "timestamp",
	"tidpunkt":  "timestamp",

	"meterstand":    "meter_reading",
	"meter_reading":  "meter_reading",
	"meterreading":   "meter_reading",
	"cumulative":     "meter_reading",
	"total":          "meter_reading",

	"consumption": "consumption",
	"energy":      "consumption",
	"kwh":         "consumption",
	"mwh":         "consumption",
	"forbrukning": "consumption",

	"flow":        "flow",
	"flode":       "flow",
	"volume_flow": "flow",
	"m3h":         "flow",

	"tempin":      "temp_in",
	"temp_in":     "temp_in",
	"supply_temp": "temp_in",
	"forward_temp": "temp_in",
	"framledning": "temp_in",
	"t_in":        "temp_in",

	"tempout":      "temp_out",
	"temp_out":     "temp_out",
	"return_temp":  "temp_out",
	"returledning": "temp_out",
	"t_out":        "temp_out",

	"power":  "power",
	"effect": "power",
	"kw":     "power",
	"mw":     "power",
}

// LoadSynonyms reads a YAML header-synonym table (see
// configs/energy_column_synonyms.yaml) from path. When path is empty
// or the file doesn't exist, it returns a copy of defaultSynonyms.
func LoadSynonyms(path string) (map[string]string, error) {
	if path == "" {
		return cloneSynonyms(defaultSynonyms), nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cloneSynonyms(defaultSynonyms), nil
	}
	if err != nil {
		return nil, err
	}

	table := make(map[string]string)
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, err
	}
	return table, nil
}

func cloneSynonyms(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
