// Package config loads a static PD roster from an INI file (spec
// section 6, "pd_info"): one [general] section for the bus-wide master
// key, and one [pd "name"] section per peripheral device.
//
// Grounded on the teacher's use of gopkg.in/ini.v1 in od_parser.go,
// which loads a section/key-value file (there, an EDS object
// dictionary) with ini.Load and walks Sections(). The mechanism is the
// same here; the sections describe a bus roster instead of an object
// dictionary.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/go-osdp/osdp"
)

// PDConfig is one [pd "name"] section, resolved against the file's
// [general] defaults.
type PDConfig struct {
	Name           string
	Address        uint8
	Baud           int
	Channel        string // connection string, e.g. "tcp://host:port" or a serial device path
	SCBK           *[16]byte
	PollIntervalMs uint32
	ReplyTimeoutMs uint32
}

// File is a parsed roster: an optional bus master key and the PDs it
// names, in file order.
type File struct {
	MasterKey *[16]byte
	PDs       []PDConfig
}

// Load parses an INI roster from a file path, []byte, or io.Reader (any
// value ini.Load accepts).
func Load(source any) (*File, error) {
	cfg, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	f := &File{}
	if gen := cfg.Section("general"); gen != nil && gen.HasKey("master_key") {
		key, err := parseKey16(gen.Key("master_key").String())
		if err != nil {
			return nil, fmt.Errorf("config: [general] master_key: %w", err)
		}
		f.MasterKey = key
	}

	for _, section := range cfg.Sections() {
		name := section.Name()
		if !strings.HasPrefix(name, "pd.") && !strings.HasPrefix(name, "pd ") {
			continue
		}
		pd, err := parsePDSection(section)
		if err != nil {
			return nil, fmt.Errorf("config: [%s]: %w", name, err)
		}
		f.PDs = append(f.PDs, pd)
	}
	return f, nil
}

func parsePDSection(section *ini.Section) (PDConfig, error) {
	pd := PDConfig{Name: pdSectionName(section.Name())}

	addr, err := section.Key("address").Uint()
	if err != nil {
		return pd, fmt.Errorf("address: %w", err)
	}
	if addr > 0x7F {
		return pd, fmt.Errorf("address %d out of range", addr)
	}
	pd.Address = uint8(addr)

	pd.Baud = section.Key("baud").MustInt(9600)
	pd.Channel = section.Key("channel").String()
	if pd.Channel == "" {
		return pd, fmt.Errorf("channel is required")
	}
	pd.PollIntervalMs = uint32(section.Key("poll_interval_ms").MustUint(0))
	pd.ReplyTimeoutMs = uint32(section.Key("reply_timeout_ms").MustUint(0))

	if section.HasKey("scbk") {
		key, err := parseKey16(section.Key("scbk").String())
		if err != nil {
			return pd, fmt.Errorf("scbk: %w", err)
		}
		pd.SCBK = key
	}
	return pd, nil
}

// pdSectionName strips the "pd." prefix or unquotes ini.v1's "pd \"name\""
// subsection form down to the bare PD name.
func pdSectionName(section string) string {
	if rest, ok := strings.CutPrefix(section, "pd."); ok {
		return rest
	}
	rest := strings.TrimPrefix(section, "pd ")
	return strings.Trim(rest, `"`)
}

func parseKey16(s string) (*[16]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if len(raw) != 16 {
		return nil, fmt.Errorf("want 32 hex chars (16 bytes), got %d bytes", len(raw))
	}
	var key [16]byte
	copy(key[:], raw)
	return &key, nil
}

// ToPDInfos resolves each PDConfig into an osdp.PDInfo bound to a
// Channel built by open, keyed on the config's Channel connection
// string. Channels sharing the same string share a Channel.ID(): open
// is expected to return the same *instance* for a repeated string so
// shared-bus arbitration (pkg/cp) recognises them as one link.
func (f *File) ToPDInfos(open func(channel string, baud int) (osdp.Channel, error)) ([]osdp.PDInfo, error) {
	infos := make([]osdp.PDInfo, 0, len(f.PDs))
	for _, pd := range f.PDs {
		ch, err := open(pd.Channel, pd.Baud)
		if err != nil {
			return nil, fmt.Errorf("config: pd %q: open %s: %w", pd.Name, pd.Channel, err)
		}
		infos = append(infos, osdp.PDInfo{
			Address:        pd.Address,
			Baud:           pd.Baud,
			Channel:        ch,
			SCBK:           pd.SCBK,
			PollIntervalMs: pd.PollIntervalMs,
			ReplyTimeoutMs: pd.ReplyTimeoutMs,
		})
	}
	return infos, nil
}

// FormatKey16 renders a 16-byte key as the hex string Load/parseKey16
// expects, for generating sample config files.
func FormatKey16(key [16]byte) string {
	return hex.EncodeToString(key[:])
}
