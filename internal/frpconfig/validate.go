package frpconfig

import (
	"errors"
	"fmt"

	"gopkg.in/ini.v1"
)

var ErrInvalidConfig = errors.New("invalid forwarder config")

// Summary is what Validate learned from a config file.
type Summary struct {
	ServerAddr string
	ServerPort int
	Proxies    []Proxy
}

// Proxy is one non-common section.
type Proxy struct {
	Name          string
	Type          string
	LocalPort     int
	CustomDomains string
}

// Validate parses forwarder INI text and checks that it names a server and
// at least one proxy with a numeric local_port. Server-rendered configs are
// checked before they are handed to the binary.
func Validate(text []byte) (Summary, error) {
	f, err := ini.Load(text)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !f.HasSection("common") {
		return Summary{}, fmt.Errorf("%w: missing [common] section", ErrInvalidConfig)
	}
	common := f.Section("common")
	var s Summary
	s.ServerAddr = common.Key("server_addr").String()
	if s.ServerAddr == "" {
		return Summary{}, fmt.Errorf("%w: missing server_addr", ErrInvalidConfig)
	}
	s.ServerPort, err = common.Key("server_port").Int()
	if err != nil {
		return Summary{}, fmt.Errorf("%w: server_port: %v", ErrInvalidConfig, err)
	}
	for _, sec := range f.Sections() {
		name := sec.Name()
		if name == "common" || name == ini.DefaultSection {
			continue
		}
		port, err := sec.Key("local_port").Int()
		if err != nil {
			return Summary{}, fmt.Errorf("%w: [%s] local_port: %v", ErrInvalidConfig, name, err)
		}
		s.Proxies = append(s.Proxies, Proxy{
			Name:          name,
			Type:          sec.Key("type").String(),
			LocalPort:     port,
			CustomDomains: sec.Key("custom_domains").String(),
		})
	}
	if len(s.Proxies) == 0 {
		return Summary{}, fmt.Errorf("%w: no proxy sections", ErrInvalidConfig)
	}
	return s, nil
}
