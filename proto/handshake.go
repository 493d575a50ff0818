package proto

import "encoding/json"

// PluginInitData carries one runner's serialized startup parameters.
type PluginInitData struct {
	Plugin     string `json:"plugin"`
	Parameters string `json:"parameters"`
}

// InitData wraps the per-plugin startup parameters.
type InitData struct {
	Data []PluginInitData `json:"data"`
}

// InitRequest is sent by the client to open a session.
type InitRequest struct {
	URL        string   `json:"url"`        // origin of the page hosting the client
	Plugins    []string `json:"plugins"`    // runner names requesting activation
	Data       InitData `json:"data"`       // serialized startup parameters
	IsTopLevel bool     `json:"isTopLevel"` // false for nested frames
}

// LocalizationEntry is one item of the dictionary localization form.
type LocalizationEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PluginSettings tells the client to start a runner with the given settings.
type PluginSettings struct {
	Name                   string              `json:"name"`
	Settings               json.RawMessage     `json:"settings,omitempty"`
	SettingsJSON           *string             `json:"settingsJson,omitempty"`
	Localization           map[string]string   `json:"localization,omitempty"`
	LocalizationDictionary []LocalizationEntry `json:"localizationDictionary,omitempty"`
}

// InitResponse is the host's reply to InitRequest.
type InitResponse struct {
	SessionID   string           `json:"sessionId"`
	AjaxID      string           `json:"ajaxId,omitempty"`
	PollingMode string           `json:"pollingMode,omitempty"`
	LongPooling bool             `json:"longPooling,omitempty"` // legacy spelling of PollingMode == ModeLongWait
	RTL         bool             `json:"rtl,omitempty"`
	Plugins     []PluginSettings `json:"plugins,omitempty"`
	Shutdown    *json.RawMessage `json:"Shutdown,omitempty"`
}

// Mode returns the polling mode, honoring the legacy flag.
func (r InitResponse) Mode() string {
	if r.PollingMode != "" {
		return r.PollingMode
	}
	if r.LongPooling {
		return ModeLongWait
	}
	return ModePingPong
}

// SettingsValue returns the decoded settings, preferring the encoded
// string form when the host sent it. A nil result means no settings.
func (p PluginSettings) SettingsValue() (any, error) {
	var raw []byte
	if p.SettingsJSON != nil {
		if *p.SettingsJSON == "" {
			return nil, nil
		}
		raw = []byte(*p.SettingsJSON)
	} else {
		raw = p.Settings
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, NewError(ErrCodeProtocol, "invalid settings for plugin "+p.Name, err)
	}
	return v, nil
}

// LocalizationMap flattens either localization form into a map.
func (p PluginSettings) LocalizationMap() map[string]string {
	if p.LocalizationDictionary != nil {
		out := make(map[string]string, len(p.LocalizationDictionary))
		for _, entry := range p.LocalizationDictionary {
			out[entry.Name] = entry.Value
		}
		return out
	}
	return p.Localization
}
