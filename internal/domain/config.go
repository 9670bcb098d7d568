package domain

import "fmt"

// ForwardingConfig is the whole runtime-editable configuration.
type ForwardingConfig struct {
	Version  int             `json:"version"`
	Enabled  bool            `json:"enabled"`
	Sources  []SourceRule    `json:"sources"`
	Channels []ChannelConfig `json:"channels"`
}

// ForwardingConfigVersion is the only schema version this build reads.
const ForwardingConfigVersion = 1

// DefaultForwardingConfig is written when no usable config exists on disk.
func DefaultForwardingConfig() ForwardingConfig {
	return ForwardingConfig{
		Version:  ForwardingConfigVersion,
		Enabled:  true,
		Sources:  []SourceRule{},
		Channels: []ChannelConfig{},
	}
}

func (c *ForwardingConfig) ApplyDefaults() {
	if c.Version == 0 {
		c.Version = ForwardingConfigVersion
	}
	if c.Sources == nil {
		c.Sources = []SourceRule{}
	}
	if c.Channels == nil {
		c.Channels = []ChannelConfig{}
	}
	for i := range c.Sources {
		c.Sources[i].ApplyDefaults()
	}
	for i := range c.Channels {
		c.Channels[i].ApplyDefaults()
	}
}

// Validate checks schema version and every rule. It does not resolve port
// conflicts between enabled sources; see DuplicateSources.
func (c ForwardingConfig) Validate() error {
	if c.Version != ForwardingConfigVersion {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	seenSources := make(map[string]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("source id is required")
		}
		if _, dup := seenSources[s.ID]; dup {
			return fmt.Errorf("duplicate source id %q", s.ID)
		}
		seenSources[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return err
		}
	}
	seenChannels := make(map[string]struct{}, len(c.Channels))
	for _, ch := range c.Channels {
		if _, dup := seenChannels[ch.ID]; dup {
			return fmt.Errorf("duplicate channel id %q", ch.ID)
		}
		seenChannels[ch.ID] = struct{}{}
		if err := ch.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SourceConflict names an enabled source that shares a port with an earlier
// enabled source.
type SourceConflict struct {
	PortPath  string
	Kept      SourceRule
	Duplicate SourceRule
}

// DuplicateSources lists every enabled source whose normalized port path is
// already taken by an earlier enabled source.
func (c ForwardingConfig) DuplicateSources() []SourceConflict {
	owner := make(map[string]int)
	var out []SourceConflict
	for i, s := range c.Sources {
		if !s.Enabled {
			continue
		}
		key := NormalizePortPath(s.PortPath)
		if first, taken := owner[key]; taken {
			out = append(out, SourceConflict{PortPath: key, Kept: c.Sources[first], Duplicate: s})
			continue
		}
		owner[key] = i
	}
	return out
}

// Clone returns a deep copy safe to hand to callers.
func (c ForwardingConfig) Clone() ForwardingConfig {
	out := c
	out.Sources = append([]SourceRule(nil), c.Sources...)
	out.Channels = make([]ChannelConfig, len(c.Channels))
	for i, ch := range c.Channels {
		out.Channels[i] = ch.clone()
	}
	return out
}

func (c ChannelConfig) clone() ChannelConfig {
	out := c
	out.Filter = ChannelFilter{
		PortPaths: append([]string(nil), c.Filter.PortPaths...),
		DeviceIDs: append([]string(nil), c.Filter.DeviceIDs...),
		Types:     append([]string(nil), c.Filter.Types...),
	}
	t := c.Transport
	if t.HTTP != nil {
		h := *t.HTTP
		h.Headers = copyHeaders(t.HTTP.Headers)
		t.HTTP = &h
	}
	if t.WebSocket != nil {
		w := *t.WebSocket
		w.Headers = copyHeaders(t.WebSocket.Headers)
		t.WebSocket = &w
	}
	if t.TCP != nil {
		tc := *t.TCP
		t.TCP = &tc
	}
	if t.MQTT != nil {
		m := *t.MQTT
		t.MQTT = &m
	}
	out.Transport = t
	return out
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
